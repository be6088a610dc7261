package notifications

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type memoryStore struct {
	mu   sync.Mutex
	rows []db.Notification
	err  error
}

func (s *memoryStore) Insert(ctx context.Context, n db.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, n)
	return nil
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestNotify_PersistsAndBroadcasts(t *testing.T) {
	store := &memoryStore{}
	svc := NewService(store)
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	svc.Notify(context.Background(), "T1", "reconnecting", "Session disconnected, reconnecting")

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.NotEmpty(t, row.ID)
	assert.Equal(t, "T1", row.TenantID)
	assert.Equal(t, "reconnecting", row.Kind)

	ev := receive(t, events)
	assert.Equal(t, EventNotice, ev.Type)
	assert.Equal(t, "T1", ev.TenantID)
	assert.Equal(t, row, ev.Data)
}

func TestNotify_BroadcastsWhenStoreFails(t *testing.T) {
	svc := NewService(&memoryStore{err: errors.New("database is locked")})
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	svc.Notify(context.Background(), "T1", "ready", "Session connected")

	assert.Equal(t, EventNotice, receive(t, events).Type)
}

func TestNotifyStateChanged(t *testing.T) {
	svc := NewService(nil)
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	svc.NotifyStateChanged("T1", "INITIALIZING", "READY")

	ev := receive(t, events)
	assert.Equal(t, EventStateChanged, ev.Type)
	assert.Equal(t, map[string]string{"from": "INITIALIZING", "to": "READY"}, ev.Data)
	assert.NotZero(t, ev.Timestamp)
}

func TestSubscribe_UnsubscribeAndShutdown(t *testing.T) {
	svc := NewService(nil)
	first, unsubscribe := svc.Subscribe()
	second, _ := svc.Subscribe()
	assert.Equal(t, 2, svc.SubscriberCount())

	unsubscribe()
	unsubscribe()
	_, ok := <-first
	assert.False(t, ok)
	assert.Equal(t, 1, svc.SubscriberCount())

	svc.Shutdown()
	svc.Shutdown()
	_, ok = <-second
	assert.False(t, ok)

	select {
	case <-svc.Done():
	default:
		t.Fatal("done not closed")
	}

	// subscribing after shutdown yields a closed channel
	late, _ := svc.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
