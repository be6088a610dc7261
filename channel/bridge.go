package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// Bridge drives a client hosted by a remote bridge service over a WebSocket.
// Frames carry the same JSON messages as the subprocess driver's lines.
type Bridge struct {
	*rpc

	url  string
	opts Options

	conn      *websocket.Conn
	connected bool
	closed    bool
	mu        sync.RWMutex
	writeMu   sync.Mutex

	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewBridge creates a handle for the bridge at baseURL (ws:// or wss://)
func NewBridge(baseURL string, opts Options) *Bridge {
	b := &Bridge{url: baseURL, opts: opts}
	b.rpc = newRPC(opts.TenantID, b.writeFrame)
	return b
}

func (b *Bridge) dialURL() (string, error) {
	u, err := url.Parse(b.url)
	if err != nil {
		return "", fmt.Errorf("invalid bridge URL: %w", err)
	}
	q := u.Query()
	q.Set("tenant", b.opts.TenantID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Initialize dials the bridge and asks it to launch the tenant's client
func (b *Bridge) Initialize(ctx context.Context) error {
	if err := b.dial(ctx); err != nil {
		return err
	}
	params := map[string]string{"sessionDir": b.opts.WorkDir}
	if err := b.call(ctx, "initialize", params, nil); err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}
	return nil
}

func (b *Bridge) dial(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return ErrAlreadyConnected
	}
	if b.closed {
		return ErrClosed
	}

	wsURL, err := b.dialURL()
	if err != nil {
		return &ConnectionError{Message: "failed to build bridge URL", Cause: err}
	}

	header := http.Header{}
	header.Set("X-Tenant-Id", b.opts.TenantID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return &ConnectionError{Message: "failed to connect to bridge", Cause: err}
	}
	conn.SetReadLimit(maxLineSize)

	b.conn = conn
	b.connected = true

	log.Info().Str("tenantId", b.opts.TenantID).Str("url", b.url).Msg("connected to channel bridge")

	b.wg.Add(1)
	go b.readLoop()

	return nil
}

// readLoop is the only goroutine that feeds the event stream
func (b *Bridge) readLoop() {
	defer b.wg.Done()

	for {
		messageType, message, err := b.conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()

			if b.shuttingDown.Load() {
				b.finish(nil)
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("tenantId", b.opts.TenantID).Msg("channel bridge connection lost")
			}
			b.finish(&Event{Type: EventDisconnected, Reason: err.Error()})
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		b.handleLine(message)
	}
}

func (b *Bridge) writeFrame(line []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	if !b.connected {
		b.mu.RUnlock()
		return ErrNotConnected
	}
	conn := b.conn
	b.mu.RUnlock()

	if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
		return &ConnectionError{Message: "failed to write to bridge", Cause: err}
	}
	return nil
}

// IsConnected reports whether the WebSocket is open
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && !b.closed
}

// Destroy asks the bridge to tear the client down and closes the socket
func (b *Bridge) Destroy(ctx context.Context) error {
	b.shuttingDown.Store(true)

	b.mu.RLock()
	alreadyClosed := b.closed
	conn := b.conn
	b.mu.RUnlock()
	if alreadyClosed {
		return nil
	}

	if b.IsConnected() {
		callCtx, cancel := context.WithTimeout(ctx, gracefulExitTimeout)
		if err := b.call(callCtx, "destroy", nil, nil); err != nil {
			log.Debug().Err(err).Str("tenantId", b.opts.TenantID).Msg("channel: destroy request failed")
		}
		cancel()
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	if conn == nil {
		b.finish(nil)
		return nil
	}

	b.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "destroyed"),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()
	conn.Close()

	wgDone := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(wgDone)
	}()
	select {
	case <-wgDone:
	case <-time.After(readerDrainTimeout):
		log.Warn().Str("tenantId", b.opts.TenantID).Msg("bridge reader did not finish in time, proceeding with destroy")
	}

	b.shutdown()
	return nil
}
