package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// Both drivers speak the same line protocol. The service sends requests:
//
//	{"id":"<uuid>","method":"send","params":{...}}
//
// and the client answers with {"id":...,"result":...} or {"id":...,"error":{"code","message"}},
// interleaved with events such as {"event":"qr","data":{"qr":"..."}}.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// rpc correlates requests with responses and turns event frames into Events.
// handleLine must only be called from the driver's single reader goroutine,
// which keeps events in the order the client raised them.
type rpc struct {
	tenantID string
	write    func(line []byte) error

	mu      sync.Mutex
	pending map[string]chan frame

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newRPC(tenantID string, write func([]byte) error) *rpc {
	return &rpc{
		tenantID: tenantID,
		write:    write,
		pending:  make(map[string]chan frame),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
}

// Events returns the ordered event stream; it is closed when the reader exits
func (r *rpc) Events() <-chan Event {
	return r.events
}

func (r *rpc) call(ctx context.Context, method string, params any, out any) error {
	id := uuid.NewString()
	ch := make(chan frame, 1)

	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	line, err := json.Marshal(frame{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	if err := r.write(line); err != nil {
		return err
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			return f.Error
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

func (r *rpc) handleLine(line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		log.Debug().Err(err).Str("tenantId", r.tenantID).Str("line", string(line)).Msg("channel: ignoring non-protocol line")
		return
	}

	if f.Event != "" {
		ev, ok := decodeEvent(f)
		if !ok {
			log.Debug().Str("tenantId", r.tenantID).Str("event", f.Event).Msg("channel: unknown event")
			return
		}
		r.emit(ev)
		return
	}

	if f.ID == "" {
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[f.ID]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

func (r *rpc) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// finish is called by the reader goroutine on exit: it emits a final event
// (if any), closes the event stream and fails pending calls.
func (r *rpc) finish(last *Event) {
	if last != nil {
		select {
		case r.events <- *last:
		default:
			log.Warn().Str("tenantId", r.tenantID).Str("event", string(last.Type)).Msg("channel: event buffer full, dropping final event")
		}
	}
	close(r.events)
	r.shutdown()
}

func (r *rpc) shutdown() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

func decodeEvent(f frame) (Event, bool) {
	var data struct {
		QR      string           `json:"qr"`
		Reason  string           `json:"reason"`
		Message string           `json:"message"`
		State   string           `json:"state"`
		Msg     *IncomingMessage `json:"msg"`
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return Event{}, false
		}
	}

	switch f.Event {
	case "qr":
		return Event{Type: EventChallenge, Challenge: data.QR}, true
	case "authenticated":
		return Event{Type: EventAuthenticated}, true
	case "ready":
		return Event{Type: EventReady}, true
	case "disconnected":
		return Event{Type: EventDisconnected, Reason: data.Reason}, true
	case "conflict":
		return Event{Type: EventConflict, Reason: data.Reason}, true
	case "auth_failure":
		return Event{Type: EventAuthFailure, Reason: data.Message}, true
	case "change_state":
		return Event{Type: EventStateChanged, State: data.State}, true
	case "message":
		if data.Msg == nil {
			return Event{}, false
		}
		return Event{Type: EventMessage, Message: data.Msg}, true
	default:
		return Event{}, false
	}
}

// Calls shared by every driver

// SendPayload delivers content to a normalized address
func (r *rpc) SendPayload(ctx context.Context, address string, content Content) (*SendResult, error) {
	var result SendResult
	params := map[string]any{"to": address, "content": content}
	if err := r.call(ctx, "send", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// IsRegistered asks whether address is a known identity on the network
func (r *rpc) IsRegistered(ctx context.Context, address string) (bool, error) {
	var result struct {
		Registered bool `json:"registered"`
	}
	if err := r.call(ctx, "isRegistered", map[string]string{"to": address}, &result); err != nil {
		return false, err
	}
	return result.Registered, nil
}

// ListConversations returns the client's chat list
func (r *rpc) ListConversations(ctx context.Context) ([]Conversation, error) {
	var result []Conversation
	if err := r.call(ctx, "listChats", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// FetchMessages returns the conversation's most recent messages, newest last
func (r *rpc) FetchMessages(ctx context.Context, conversationID string, limit int) ([]IncomingMessage, error) {
	var result []IncomingMessage
	params := map[string]any{"chatId": conversationID, "limit": limit}
	if err := r.call(ctx, "fetchMessages", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DownloadMedia fetches the attachment of a received message
func (r *rpc) DownloadMedia(ctx context.Context, messageID string) (*Media, error) {
	var media Media
	if err := r.call(ctx, "downloadMedia", map[string]string{"id": messageID}, &media); err != nil {
		return nil, err
	}
	return &media, nil
}
