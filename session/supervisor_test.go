package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoyuanzhu-com/session-fleet/channel"
)

func TestInitializeSession_ConcurrentCallsConstructOneClient(t *testing.T) {
	ff := &fakeFactory{initDelay: 100 * time.Millisecond}
	fleet := createTestManager(t, ff)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fleet.InitializeSession(context.Background(), "T1")
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyInitializing):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 9, rejected)
	assert.Equal(t, 1, ff.Created())
}

func TestInitializeSession_RejectsWhileInitializing(t *testing.T) {
	ff := &fakeFactory{initDelay: 300 * time.Millisecond}
	fleet := createTestManager(t, ff)

	go fleet.InitializeSession(context.Background(), "T1")
	require.Eventually(t, func() bool { return fleet.IsInitializing("T1") }, time.Second, 5*time.Millisecond)

	start := time.Now()
	err := fleet.InitializeSession(context.Background(), "T1")
	assert.ErrorIs(t, err, ErrAlreadyInitializing)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	state, _ := fleet.registry.State("T1")
	assert.Equal(t, StateInitializing, state)
}

func TestInitializeSession_FreshTenantIssuesChallenge(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	ctx := context.Background()

	restored, err := fleet.Restore(ctx, "T2")
	require.NoError(t, err)
	assert.False(t, restored)

	require.NoError(t, fleet.InitializeSession(ctx, "T2"))
	fleet.waitState(t, "T2", StateAwaitingChallenge)

	status := fleet.Status("T2")
	assert.True(t, status.Exists)
	assert.True(t, status.HasChallenge)
	assert.True(t, status.Initializing, "init guard is held until the challenge is scanned")

	challenge, err := fleet.RequestChallenge(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, "challenge-T2", challenge)

	require.Eventually(t, func() bool {
		tenant, err := fleet.db.Tenants().Get(ctx, "T2")
		return err == nil && tenant != nil && tenant.Challenge != nil && *tenant.Challenge == "challenge-T2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fleet.notifier.Count(NoticeChallenge))
}

func TestReady_ClearsGuardsAndPersistsBackup(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	ctx := context.Background()

	fleet.readyTenant(t, "T1")

	assert.True(t, fleet.IsReady("T1"))
	assert.False(t, fleet.IsInitializing("T1"))
	status := fleet.Status("T1")
	assert.False(t, status.HasChallenge)
	assert.Zero(t, status.ReconnectAttempts)

	require.Eventually(t, func() bool {
		backup, err := fleet.db.SessionBackups().Find(ctx, "T1")
		return err == nil && backup != nil && len(backup.Blob) > 0
	}, 3*time.Second, 20*time.Millisecond)

	tenant, err := fleet.db.Tenants().Get(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, tenant.SessionMarker)
	assert.Equal(t, "session-T1", *tenant.SessionMarker)
	assert.Nil(t, tenant.Challenge)
}

func TestSaveRestoreReinitialize_ReachesReadyWithoutChallenge(t *testing.T) {
	dir := t.TempDir()
	database := createTestDB(t, dir)
	ctx := context.Background()

	first := createTestManagerWith(t, testConfig(dir+"/first"), database, &fakeFactory{}, true)
	first.readyTenant(t, "T1")
	require.NoError(t, waitNoSave(first, "T1"))
	require.NoError(t, first.Save(ctx, "T1"))

	// a second process with an empty sessions dir, sharing the durable store
	second := createTestManagerWith(t, testConfig(dir+"/second"), database, &fakeFactory{}, true)
	require.NoError(t, second.InitializeSession(ctx, "T1"))
	second.waitState(t, "T1", StateReady)

	assert.Equal(t, 0, second.notifier.Count(NoticeChallenge))
	assert.FileExists(t, second.cfg.WorkDir("T1")+"/"+credsFile)
}

func TestReconnect_ExhaustsAttemptsThenFails(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	fleet.readyTenant(t, "T1")
	require.Equal(t, 1, ff.Created())

	ff.SetFailInit(true)
	first := ff.Last()
	first.Emit(channel.Event{Type: channel.EventDisconnected, Reason: "NAVIGATION"})

	fleet.waitState(t, "T1", StateFailed)

	assert.Equal(t, 1+fleet.cfg.ReconnectAttempts, ff.Created())
	assert.True(t, first.isDestroyed())
	assert.Equal(t, 1, fleet.notifier.Count(NoticeReconnecting))
	assert.Equal(t, 1, fleet.notifier.Count(NoticeReauthRequired))

	status := fleet.Status("T1")
	assert.Equal(t, fleet.cfg.ReconnectAttempts, status.ReconnectAttempts)
	assert.False(t, status.Initializing)

	// FAILED is terminal until reauthentication
	err := fleet.InitializeSession(context.Background(), "T1")
	assert.True(t, IsTerminal(err))
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestReconnect_SucceedsAndResetsAttempts(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	fleet.readyTenant(t, "T1")

	ff.Last().Emit(channel.Event{Type: channel.EventDisconnected, Reason: "NAVIGATION"})

	require.Eventually(t, func() bool { return ff.Created() == 2 }, 2*time.Second, 5*time.Millisecond)
	fleet.waitState(t, "T1", StateReady)
	assert.Zero(t, fleet.Status("T1").ReconnectAttempts)
}

func TestConflictState_DestroysThenReinitializes(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	fleet.readyTenant(t, "T1")

	first := ff.Last()
	first.Emit(channel.Event{Type: channel.EventStateChanged, State: channel.StateConflict})

	require.Eventually(t, func() bool { return ff.Created() == 2 }, 2*time.Second, 5*time.Millisecond)
	fleet.waitState(t, "T1", StateReady)
	assert.True(t, first.isDestroyed())
	assert.False(t, ff.Last().isDestroyed())
}

func TestStateChange_ConnectedIsIgnored(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	fleet.readyTenant(t, "T1")

	ff.Last().Emit(channel.Event{Type: channel.EventStateChanged, State: channel.StateConnected})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, ff.Created())
	assert.True(t, fleet.IsReady("T1"))
}

func TestAuthFailure_RegeneratesChallenge(t *testing.T) {
	ff := &fakeFactory{}
	ff.onInit = func(f *fakeChannel) {
		if f.index == 0 {
			f.Emit(channel.Event{Type: channel.EventAuthFailure, Reason: "bad credentials"})
			return
		}
		f.defaultScript()
	}
	fleet := createTestManager(t, ff)

	// stale credentials in the working directory
	workDir := fleet.cfg.WorkDir("T1")
	require.NoError(t, os.MkdirAll(workDir, 0755))
	require.NoError(t, os.WriteFile(workDir+"/"+credsFile, []byte("stale"), 0600))

	require.NoError(t, fleet.InitializeSession(context.Background(), "T1"))
	fleet.waitState(t, "T1", StateAwaitingChallenge)

	assert.Equal(t, 2, ff.Created())
	assert.NoFileExists(t, workDir+"/"+credsFile)
	assert.Equal(t, 1, fleet.notifier.Count(NoticeAuthFailure))
}

func TestInitFailure_ReleasesGuardAndRecordsError(t *testing.T) {
	ff := &fakeFactory{failInit: true}
	fleet := createTestManager(t, ff)

	err := fleet.InitializeSession(context.Background(), "T1")
	require.Error(t, err)

	status := fleet.Status("T1")
	assert.Equal(t, StateDisconnected, status.State)
	assert.False(t, status.Initializing)
	assert.Contains(t, status.LastError, "browser crashed")
	assert.True(t, ff.Last().isDestroyed())
}

func TestInitTimeout_ReportsTimeoutError(t *testing.T) {
	ff := &fakeFactory{initDelay: time.Second}
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.InitTimeout = 50 * time.Millisecond
	fleet := createTestManagerWith(t, cfg, createTestDB(t, dir), ff, true)

	err := fleet.InitializeSession(context.Background(), "T1")
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "initialization", timeout.Op)
	assert.False(t, fleet.IsInitializing("T1"))
}

func TestRecoverStuck_ForcesCleanupAndRetries(t *testing.T) {
	ff := &fakeFactory{}
	ff.onInit = func(f *fakeChannel) {
		if f.index == 0 {
			return // launched but never progresses
		}
		f.defaultScript()
	}
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.StuckThreshold = 0
	fleet := createTestManagerWith(t, cfg, createTestDB(t, dir), ff, true)

	require.NoError(t, fleet.InitializeSession(context.Background(), "T1"))
	assert.True(t, fleet.IsInitializing("T1"))

	assert.True(t, fleet.RecoverStuck(context.Background(), "T1"))

	assert.True(t, ff.Channel(0).isDestroyed())
	fleet.waitState(t, "T1", StateAwaitingChallenge)
	assert.Equal(t, 2, ff.Created())
}

func TestRecoverStuck_LeavesProgressedTenantsAlone(t *testing.T) {
	ff := &fakeFactory{}
	ff.onInit = func(f *fakeChannel) {
		if f.opts.TenantID == "T2" {
			return
		}
		f.defaultScript()
	}
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.StuckThreshold = time.Hour
	fleet := createTestManagerWith(t, cfg, createTestDB(t, dir), ff, true)
	ctx := context.Background()

	// READY after the sweep's snapshot was taken
	fleet.readyTenant(t, "T1")
	assert.False(t, fleet.RecoverStuck(ctx, "T1"))
	assert.True(t, fleet.IsReady("T1"))

	// still launching, but not for long enough
	require.NoError(t, fleet.InitializeSession(ctx, "T2"))
	assert.False(t, fleet.RecoverStuck(ctx, "T2"))
	assert.True(t, fleet.IsInitializing("T2"))

	assert.False(t, fleet.RecoverStuck(ctx, "unknown"))
	assert.Equal(t, 2, ff.Created())
	for i := 0; i < ff.Created(); i++ {
		assert.False(t, ff.Channel(i).isDestroyed())
	}
}

func TestIncomingMessages_DeduplicatedAndSelfSkipped(t *testing.T) {
	ff := &fakeFactory{media: &channel.Media{MimeType: "image/png", Filename: "a.png", Data: []byte{1, 2, 3}}}
	fleet := createTestManager(t, ff)
	fleet.readyTenant(t, "T1")
	ctx := context.Background()

	h := ff.Last()
	msg := &channel.IncomingMessage{ID: "in-1", From: "15551234567@c.us", Body: "hello", Timestamp: 1700000000}
	h.Emit(channel.Event{Type: channel.EventMessage, Message: msg})
	h.Emit(channel.Event{Type: channel.EventMessage, Message: msg})
	h.Emit(channel.Event{Type: channel.EventMessage, Message: &channel.IncomingMessage{ID: "in-2", FromMe: true}})
	h.Emit(channel.Event{Type: channel.EventMessage, Message: &channel.IncomingMessage{ID: "in-3", From: "1", HasMedia: true}})

	require.Eventually(t, func() bool {
		msgs, err := fleet.db.InboundMessages().ListByTenant(ctx, "T1", 10)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := fleet.db.InboundMessages().ListByTenant(ctx, "T1", 10)
	require.NoError(t, err)
	ids := []string{msgs[0].ChannelMessageID, msgs[1].ChannelMessageID}
	assert.ElementsMatch(t, []string{"in-1", "in-3"}, ids)
}

func TestSyncConversations_CatchesUpMissedMessages(t *testing.T) {
	ff := &fakeFactory{
		conversations: []channel.Conversation{
			{ID: "unread@c.us", UnreadCount: 2, LastMessageAt: 1700000100},
			{ID: "recent@c.us", LastMessageAt: 1700000050},
			{ID: "idle@c.us"},
		},
		history: map[string][]channel.IncomingMessage{
			"unread@c.us": {
				{ID: "in-1", From: "unread@c.us", Body: "first", Timestamp: 1700000000},
				{ID: "out-1", FromMe: true, Body: "reply"},
				{ID: "in-2", From: "unread@c.us", Body: "second", Timestamp: 1700000100},
			},
			"recent@c.us": {
				{ID: "in-3", From: "recent@c.us", Body: "hey", Timestamp: 1700000050},
			},
		},
	}
	fleet := createTestManager(t, ff)
	fleet.readyTenant(t, "T1")
	ctx := context.Background()

	// in-1 already arrived live
	ff.Last().Emit(channel.Event{Type: channel.EventMessage, Message: &channel.IncomingMessage{ID: "in-1", From: "unread@c.us", Body: "first"}})
	require.Eventually(t, func() bool {
		ok, err := fleet.db.InboundMessages().Exists(ctx, "T1", "in-1")
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	fleet.supervisor.syncConversations(ctx, "T1", ff.Last())
	fleet.supervisor.syncConversations(ctx, "T1", ff.Last())

	convs, err := fleet.db.Conversations().ListByTenant(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, convs, 3)
	assert.ElementsMatch(t, []string{"unread@c.us", "recent@c.us", "unread@c.us", "recent@c.us"}, ff.Fetched())

	msgs, err := fleet.db.InboundMessages().ListByTenant(ctx, "T1", 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ChannelMessageID)
	}
	assert.ElementsMatch(t, []string{"in-1", "in-2", "in-3"}, ids)
}

func TestReauthenticate_LeavesFailed(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	fleet.readyTenant(t, "T1")
	require.NoError(t, waitNoSave(fleet, "T1"))

	fleet.registry.Transition("T1", StateFailed)

	require.NoError(t, fleet.Reauthenticate(context.Background(), "T1"))
	fleet.waitState(t, "T1", StateAwaitingChallenge)

	backup, err := fleet.db.SessionBackups().Find(context.Background(), "T1")
	require.NoError(t, err)
	assert.Nil(t, backup)
}

func TestInvalidTenantID_NeverTouchesSessionsRoot(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	fleet.readyTenant(t, "T1")
	require.NoError(t, waitNoSave(fleet, "T1"))
	ctx := context.Background()

	for _, id := range []string{".", "..", "../T1"} {
		assert.ErrorIs(t, fleet.Reauthenticate(ctx, id), ErrInvalidTenant, id)
		assert.ErrorIs(t, fleet.InitializeSession(ctx, id), ErrInvalidTenant, id)
		assert.ErrorIs(t, fleet.Save(ctx, id), ErrInvalidTenant, id)
		_, err := fleet.Restore(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidTenant, id)
		_, err = fleet.Send(ctx, id, "15551234567", channel.Content{Text: "hi"})
		assert.ErrorIs(t, err, ErrInvalidTenant, id)
	}

	_, err := os.Stat(filepath.Join(fleet.cfg.WorkDir("T1"), credsFile))
	assert.NoError(t, err)
	assert.True(t, fleet.IsReady("T1"))
	assert.Equal(t, 1, ff.Created())
}

func TestReplay_InitializesRegisteredTenants(t *testing.T) {
	ff := &fakeFactory{}
	fleet := createTestManager(t, ff)
	ctx := context.Background()

	require.NoError(t, fleet.db.Tenants().Ensure(ctx, "T1", "+1 555 0001"))
	require.NoError(t, fleet.db.Tenants().Ensure(ctx, "T2", "+1 555 0002"))

	require.NoError(t, fleet.Replay(ctx))

	fleet.waitState(t, "T1", StateAwaitingChallenge)
	fleet.waitState(t, "T2", StateAwaitingChallenge)
	assert.Equal(t, 2, ff.Created())

	status := fleet.GetFleetStatus()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.ByState[StateAwaitingChallenge])
	assert.Len(t, fleet.Monitor().Disconnected, 2)
}

func TestShutdown_SavesReadyTenantsAndDestroysClients(t *testing.T) {
	ff := &fakeFactory{}
	dir := t.TempDir()
	database := createTestDB(t, dir)
	fleet := createTestManagerWith(t, testConfig(dir), database, ff, true)
	ctx := context.Background()

	fleet.readyTenant(t, "T1")
	require.NoError(t, waitNoSave(fleet, "T1"))
	require.NoError(t, database.SessionBackups().Delete(ctx, "T1"))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, fleet.Shutdown(shutdownCtx))

	backup, err := database.SessionBackups().Find(ctx, "T1")
	require.NoError(t, err)
	assert.NotNil(t, backup)
	assert.True(t, ff.Last().isDestroyed())

	assert.ErrorIs(t, fleet.InitializeSession(ctx, "T2"), ErrShuttingDown)
}

// waitNoSave waits for the on-ready backup to finish
func waitNoSave(f *testFleet, tenantID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		backup, err := f.db.SessionBackups().Find(ctx, tenantID)
		if err != nil {
			return err
		}
		if backup != nil && !f.registry.IsSaving(tenantID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
