package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/fs"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/metrics"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// credsFile stands in for the client's persisted credentials
const credsFile = "creds.json"

// fakeChannel is a scriptable channel. By default Initialize emits a
// challenge, or authenticated+ready when credentials exist in the working dir.
type fakeChannel struct {
	index   int
	opts    channel.Options
	factory *fakeFactory
	events  chan channel.Event

	mu        sync.Mutex
	connected bool
	destroyed bool
}

func (f *fakeChannel) Initialize(ctx context.Context) error {
	ff := f.factory
	if ff.initDelay > 0 {
		select {
		case <-time.After(ff.initDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ff.initError(); err != nil {
		return err
	}

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return channel.ErrClosed
	}
	f.connected = true
	f.mu.Unlock()

	if ff.onInit != nil {
		ff.onInit(f)
	} else {
		f.defaultScript()
	}
	return nil
}

func (f *fakeChannel) defaultScript() {
	if _, err := os.Stat(filepath.Join(f.opts.WorkDir, credsFile)); err == nil {
		f.Emit(channel.Event{Type: channel.EventAuthenticated})
		f.Emit(channel.Event{Type: channel.EventReady})
		return
	}
	f.Emit(channel.Event{Type: channel.EventChallenge, Challenge: "challenge-" + f.opts.TenantID})
}

// link simulates the tenant scanning the challenge
func (f *fakeChannel) link() {
	os.MkdirAll(f.opts.WorkDir, 0755)
	os.WriteFile(filepath.Join(f.opts.WorkDir, credsFile), []byte(`{"token":"`+f.opts.TenantID+`"}`), 0600)
	f.Emit(channel.Event{Type: channel.EventAuthenticated})
	f.Emit(channel.Event{Type: channel.EventReady})
}

func (f *fakeChannel) Emit(ev channel.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

func (f *fakeChannel) Events() <-chan channel.Event {
	return f.events
}

func (f *fakeChannel) SendPayload(ctx context.Context, address string, content channel.Content) (*channel.SendResult, error) {
	n, err := f.factory.sendError()
	if err != nil {
		return nil, err
	}
	return &channel.SendResult{MessageID: "out-" + itoa(n), Timestamp: time.Now().Unix()}, nil
}

func (f *fakeChannel) IsRegistered(ctx context.Context, address string) (bool, error) {
	return true, nil
}

func (f *fakeChannel) ListConversations(ctx context.Context) ([]channel.Conversation, error) {
	return f.factory.conversations, nil
}

func (f *fakeChannel) FetchMessages(ctx context.Context, conversationID string, limit int) ([]channel.IncomingMessage, error) {
	ff := f.factory
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.fetched = append(ff.fetched, conversationID)
	msgs := ff.history[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeChannel) DownloadMedia(ctx context.Context, messageID string) (*channel.Media, error) {
	if f.factory.media == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.factory.media, nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.destroyed
}

func (f *fakeChannel) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.destroyed {
		f.destroyed = true
		f.connected = false
		close(f.events)
	}
	return nil
}

func (f *fakeChannel) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// fakeFactory builds fakeChannels and counts what happens to them
type fakeFactory struct {
	mu        sync.Mutex
	channels  []*fakeChannel
	newErr    error
	failInit  bool
	initDelay time.Duration
	onInit    func(*fakeChannel)
	sendErr   func(call int) error
	sendCalls int

	conversations []channel.Conversation
	history       map[string][]channel.IncomingMessage
	fetched       []string
	media         *channel.Media
}

func (ff *fakeFactory) New(opts channel.Options) (channel.Channel, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.newErr != nil {
		return nil, ff.newErr
	}
	ch := &fakeChannel{
		index:   len(ff.channels),
		opts:    opts,
		factory: ff,
		events:  make(chan channel.Event, 64),
	}
	ff.channels = append(ff.channels, ch)
	return ch, nil
}

func (ff *fakeFactory) Created() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.channels)
}

func (ff *fakeFactory) Last() *fakeChannel {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.channels) == 0 {
		return nil
	}
	return ff.channels[len(ff.channels)-1]
}

func (ff *fakeFactory) Channel(i int) *fakeChannel {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.channels[i]
}

func (ff *fakeFactory) Fetched() []string {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]string(nil), ff.fetched...)
}

func (ff *fakeFactory) SetFailInit(fail bool) {
	ff.mu.Lock()
	ff.failInit = fail
	ff.mu.Unlock()
}

func (ff *fakeFactory) SetSendErr(fn func(call int) error) {
	ff.mu.Lock()
	ff.sendErr = fn
	ff.mu.Unlock()
}

func (ff *fakeFactory) SendCalls() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.sendCalls
}

func (ff *fakeFactory) initError() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.failInit {
		return errors.New("browser crashed during launch")
	}
	return nil
}

func (ff *fakeFactory) sendError() (int, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.sendCalls++
	if ff.sendErr != nil {
		if err := ff.sendErr(ff.sendCalls); err != nil {
			return ff.sendCalls, err
		}
	}
	return ff.sendCalls, nil
}

// fakeNotifier records notifications
type fakeNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *fakeNotifier) Notify(ctx context.Context, tenantID, kind, message string) {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
}

func (n *fakeNotifier) Count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, k := range n.kinds {
		if k == kind {
			count++
		}
	}
	return count
}

func testConfig(dataDir string) Config {
	cfg := DefaultConfig(dataDir)
	cfg.ConflictCooldown = 10 * time.Millisecond
	cfg.InitTimeout = 2 * time.Second
	cfg.StuckRetryDelay = 10 * time.Millisecond
	cfg.NetworkRetryDelay = 50 * time.Millisecond
	cfg.DestroyTimeout = time.Second
	cfg.ReadyWait = 2 * time.Second
	cfg.MediaTimeout = 100 * time.Millisecond
	cfg.QueueSize = 2
	cfg.QueueWorkers = 1
	cfg.SyncInterval = 0
	cfg.BackupDebounce = 0
	cfg.IORetry = fs.RetryPolicy{Attempts: 3, Delay: 5 * time.Millisecond}
	cfg.ReplayRate = 0
	return cfg
}

func createTestDB(t *testing.T, dir string) *db.DB {
	t.Helper()
	database, err := db.Open(db.Config{Path: filepath.Join(dir, "fleet.sqlite"), MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

type testFleet struct {
	*Manager
	factory  *fakeFactory
	notifier *fakeNotifier
	db       *db.DB
	cfg      Config
}

// createTestManager returns a started manager over a temp dir and database
func createTestManager(t *testing.T, ff *fakeFactory) *testFleet {
	t.Helper()
	dir := t.TempDir()
	return createTestManagerWith(t, testConfig(dir), createTestDB(t, dir), ff, true)
}

func createTestManagerWith(t *testing.T, cfg Config, database *db.DB, ff *fakeFactory, start bool) *testFleet {
	t.Helper()
	notifier := &fakeNotifier{}
	m, err := NewManager(cfg, Deps{
		DB:       database,
		Factory:  ff.New,
		Notifier: notifier,
		Metrics:  metrics.NewTestMetrics(),
	})
	require.NoError(t, err)
	if start {
		m.Start()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return &testFleet{Manager: m, factory: ff, notifier: notifier, db: database, cfg: cfg}
}

func (f *testFleet) waitState(t *testing.T, tenantID string, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	state, err := f.registry.Wait(ctx, tenantID, func(s State) bool { return s == want })
	require.NoError(t, err, "tenant %s stuck in %s, want %s", tenantID, state, want)
}

// readyTenant initializes a fresh tenant and links it
func (f *testFleet) readyTenant(t *testing.T, tenantID string) {
	t.Helper()
	require.NoError(t, f.InitializeSession(context.Background(), tenantID))
	f.waitState(t, tenantID, StateAwaitingChallenge)
	f.factory.Last().link()
	f.waitState(t, tenantID, StateReady)
}

func itoa(n int) string {
	return fmt.Sprint(n)
}
