package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// EventType represents the type of notification event
type EventType string

const (
	EventConnected    EventType = "connected"
	EventNotice       EventType = "notice"
	EventStateChanged EventType = "session-state"
)

// Event represents a notification event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	TenantID  string    `json:"tenantId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Store persists tenant notices
type Store interface {
	Insert(ctx context.Context, n db.Notification) error
}

// Service persists tenant notices and broadcasts events to SSE and
// WebSocket subscribers
type Service struct {
	store Store

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	done        chan struct{}
	closed      bool
}

// NewService creates a new notification service. store may be nil, in which
// case notices are broadcast but not persisted.
func NewService(store Store) *Service {
	return &Service{
		store:       store,
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
}

// Subscribe creates a new subscription channel
// Returns the event channel and an unsubscribe function
func (s *Service) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	s.mu.Lock()
	if s.closed {
		close(ch)
	} else {
		s.subscribers[ch] = struct{}{}
	}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Only close if the channel is still in subscribers map
		if _, exists := s.subscribers[ch]; exists {
			delete(s.subscribers, ch)
			close(ch)
		}
	}

	return ch, unsubscribe
}

// Publish broadcasts an event to all subscribers
func (s *Service) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip this subscriber
		}
	}
}

// Notify records a tenant-facing notice and broadcasts it
func (s *Service) Notify(ctx context.Context, tenantID, kind, message string) {
	n := db.Notification{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now().UnixMilli(),
	}

	if s.store != nil {
		if err := s.store.Insert(ctx, n); err != nil {
			log.Error().Err(err).Str("tenantId", tenantID).Str("kind", kind).Msg("failed to persist notification")
		}
	}

	s.Publish(Event{
		Type:      EventNotice,
		Timestamp: n.CreatedAt,
		TenantID:  tenantID,
		Data:      n,
	})
}

// NotifyStateChanged sends a session-state event
// Used as a registry transition hook
func (s *Service) NotifyStateChanged(tenantID string, from, to string) {
	s.Publish(Event{
		Type:     EventStateChanged,
		TenantID: tenantID,
		Data: map[string]string{
			"from": from,
			"to":   to,
		},
	})
}

// Done is closed once the service shuts down
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Shutdown closes the notification service
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)

	// Close all subscriber channels
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[chan Event]struct{})
}

// SubscriberCount returns the number of active subscribers
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
