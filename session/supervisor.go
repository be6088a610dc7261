package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/fs"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/metrics"
	"golang.org/x/time/rate"
)

// Notification kinds raised by the supervisor
const (
	NoticeChallenge      = "challenge"
	NoticeReady          = "ready"
	NoticeReconnecting   = "reconnecting"
	NoticeReauthRequired = "reauth_required"
	NoticeAuthFailure    = "auth_failure"
)

// Notifier receives tenant-facing notifications
type Notifier interface {
	Notify(ctx context.Context, tenantID, kind, message string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, string) {}

// Supervisor runs the per-tenant connection state machine
type Supervisor struct {
	cfg      Config
	registry *Registry
	backups  *BackupService
	factory  channel.Factory
	database *db.DB
	notifier Notifier
	watcher  *fs.WorkdirWatcher
	metrics  *metrics.Metrics

	// paces client launches so a fleet-wide restart does not start every client at once
	launches *rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
}

type launchOptions struct {
	restore bool
	// retry after NetworkRetryDelay when the host looks offline
	retryOffline bool
}

func newSupervisor(cfg Config, registry *Registry, backups *BackupService, factory channel.Factory, database *db.DB, notifier Notifier, m *metrics.Metrics) *Supervisor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	burst := cfg.ReplayConcurrency
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.ReplayRate > 0 {
		limit = rate.Limit(cfg.ReplayRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		backups:  backups,
		factory:  factory,
		database: database,
		notifier: notifier,
		metrics:  m,
		launches: rate.NewLimiter(limit, burst),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Initialize starts the tenant's client and returns once the client has
// accepted the launch. Progress beyond that arrives as events.
func (s *Supervisor) Initialize(ctx context.Context, tenantID string) error {
	if err := s.begin(tenantID, false); err != nil {
		return err
	}
	return s.launch(ctx, tenantID, launchOptions{restore: true, retryOffline: true})
}

// InitializeAsync acquires the init guard and launches in the background
func (s *Supervisor) InitializeAsync(tenantID string) error {
	if err := s.begin(tenantID, false); err != nil {
		return err
	}
	s.spawn(func() {
		if err := s.launch(s.ctx, tenantID, launchOptions{restore: true, retryOffline: true}); err != nil {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("background initialization failed")
		}
	})
	return nil
}

// begin acquires the init guard. FAILED tenants are refused unless allowFailed.
func (s *Supervisor) begin(tenantID string, allowFailed bool) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	if s.closing.Load() {
		return ErrShuttingDown
	}
	s.registry.Ensure(tenantID)

	if !allowFailed {
		if state, _ := s.registry.State(tenantID); state == StateFailed {
			return &TerminalError{TenantID: tenantID, Reason: "reconnection exhausted", Err: ErrReauthRequired}
		}
	}

	if !s.registry.TryAcquireInit(tenantID) {
		log.Warn().Str("tenantId", tenantID).Msg("client initialization already in progress")
		return ErrAlreadyInitializing
	}
	return nil
}

// launch constructs and starts a fresh handle. The init guard must be held;
// it stays held on success until the handle reaches READY or fails.
func (s *Supervisor) launch(ctx context.Context, tenantID string, opts launchOptions) error {
	s.transition(tenantID, StateInitializing, func(ts *TenantSession) {
		ts.InitStartedAt = time.Now()
		ts.LastError = ""
	})

	// never more than one live handle per tenant
	if old := s.registry.Detach(tenantID); old != nil {
		s.destroy(tenantID, old)
	}

	if err := s.database.Tenants().Ensure(ctx, tenantID, ""); err != nil {
		log.Warn().Err(err).Str("tenantId", tenantID).Msg("failed to register tenant")
	}

	workDir := s.cfg.WorkDir(tenantID)
	if opts.restore && !fs.DirExists(workDir) {
		if _, err := s.backups.Restore(ctx, tenantID); err != nil {
			log.Warn().Err(err).Str("tenantId", tenantID).Msg("restore failed, continuing with a fresh session")
		}
	}

	h, err := s.factory(channel.Options{TenantID: tenantID, WorkDir: workDir})
	if err != nil {
		s.registry.ReleaseInit(tenantID)
		s.markFailedLaunch(tenantID, err)
		return fmt.Errorf("failed to create client: %w", err)
	}

	gen := s.registry.Attach(tenantID, h)
	s.wg.Add(1)
	go s.runEvents(tenantID, gen, h)

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()

	err = h.Initialize(initCtx)
	if err == nil {
		log.Info().Str("tenantId", tenantID).Msg("client initialized")
		return nil
	}

	if errors.Is(initCtx.Err(), context.DeadlineExceeded) {
		err = &TimeoutError{TenantID: tenantID, Op: "initialization", After: s.cfg.InitTimeout, Err: err}
	}

	// An event handler may already own this handle's teardown.
	if _, owned := s.registry.DetachIf(tenantID, gen); !owned {
		return fmt.Errorf("failed to initialize client: %w", err)
	}
	s.destroy(tenantID, h)

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		s.killOrphans(tenantID)
	}

	s.registry.ReleaseInit(tenantID)
	s.markFailedLaunch(tenantID, err)

	if opts.retryOffline && isNetworkDown(err) {
		log.Warn().Str("tenantId", tenantID).Dur("retryIn", s.cfg.NetworkRetryDelay).Msg("host appears offline, retrying initialization later")
		s.after(s.cfg.NetworkRetryDelay, func(ctx context.Context) {
			if err := s.Initialize(ctx, tenantID); err != nil && !errors.Is(err, ErrAlreadyInitializing) {
				log.Error().Err(err).Str("tenantId", tenantID).Msg("offline retry failed")
			}
		})
	}

	return fmt.Errorf("failed to initialize client: %w", err)
}

func (s *Supervisor) markFailedLaunch(tenantID string, err error) {
	reason := "error"
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		reason = "timeout"
	} else if isNetworkDown(err) {
		reason = "offline"
	}
	s.metrics.InitFailures.WithLabelValues(reason).Inc()

	log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to initialize client")
	s.transition(tenantID, StateDisconnected, func(ts *TenantSession) {
		ts.LastError = err.Error()
	})
}

// ResolveConflict tears the tenant's handle down, waits the cooldown and
// reinitializes with a new handle.
func (s *Supervisor) ResolveConflict(ctx context.Context, tenantID, reason string) error {
	if err := s.begin(tenantID, false); err != nil {
		return err
	}

	log.Warn().Str("tenantId", tenantID).Str("reason", reason).Msg("resolving session conflict")
	s.metrics.ConflictsTotal.WithLabelValues(conflictSource(reason)).Inc()

	s.transition(tenantID, StateReconnecting, func(ts *TenantSession) {
		ts.LastError = reason
	})
	if h := s.registry.Detach(tenantID); h != nil {
		s.destroy(tenantID, h)
	}

	if err := sleepCtx(ctx, s.cfg.ConflictCooldown); err != nil {
		s.registry.ReleaseInit(tenantID)
		return err
	}
	return s.launch(ctx, tenantID, launchOptions{restore: true})
}

// Reauthenticate discards the tenant's credentials and starts over with a
// fresh challenge. It is the only way out of FAILED.
func (s *Supervisor) Reauthenticate(ctx context.Context, tenantID string) error {
	if err := s.begin(tenantID, true); err != nil {
		return err
	}

	log.Info().Str("tenantId", tenantID).Msg("reauthenticating tenant")

	if h := s.registry.Detach(tenantID); h != nil {
		s.destroy(tenantID, h)
	}
	if err := fs.RemoveAllWithRetry(ctx, s.cfg.WorkDir(tenantID), fs.RemovePolicy(s.cfg.IORetry)); err != nil {
		s.registry.ReleaseInit(tenantID)
		return fmt.Errorf("failed to clear working directory: %w", err)
	}
	if err := s.backups.Delete(ctx, tenantID); err != nil {
		s.registry.ReleaseInit(tenantID)
		return fmt.Errorf("failed to delete session backup: %w", err)
	}

	s.transition(tenantID, StateUninitialized, func(ts *TenantSession) {
		ts.ReconnectAttempts = 0
		ts.Challenge = ""
		ts.LastError = ""
	})
	return s.launch(ctx, tenantID, launchOptions{restore: false})
}

// RecoverStuck clears a launch that has spent at least threshold in a
// launching state: its handle is destroyed, orphans are killed and a retry
// is scheduled. Returns false when the tenant was not stuck.
func (s *Supervisor) RecoverStuck(ctx context.Context, tenantID string, threshold time.Duration) bool {
	h, stuckFor, ok := s.registry.DetachIfStuck(tenantID, threshold)
	if !ok {
		return false
	}
	log.Warn().Str("tenantId", tenantID).Dur("stuckFor", stuckFor).Msg("initialization stuck, forcing cleanup")
	s.metrics.StuckInitsTotal.Inc()

	// The guard stays held until the old client is gone.
	s.destroy(tenantID, h)
	s.killOrphans(tenantID)

	err := &TimeoutError{TenantID: tenantID, Op: "initialization", After: stuckFor}
	from := s.registry.TransitionReleasing(tenantID, StateDisconnected, func(ts *TenantSession) {
		ts.LastError = err.Error()
	})
	log.Info().Str("tenantId", tenantID).Str("from", string(from)).Str("to", string(StateDisconnected)).Msg("session state changed")

	s.after(s.cfg.StuckRetryDelay, func(ctx context.Context) {
		if err := s.Initialize(ctx, tenantID); err != nil && !errors.Is(err, ErrAlreadyInitializing) {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("retry after stuck initialization failed")
		}
	})
	return true
}

func (s *Supervisor) killOrphans(tenantID string) {
	n, err := channel.KillOrphans(s.cfg.WorkDir(tenantID))
	if err != nil {
		log.Warn().Err(err).Str("tenantId", tenantID).Msg("failed to scan for orphaned client processes")
		return
	}
	if n > 0 {
		s.metrics.OrphansKilled.Add(float64(n))
	}
}

// destroy shuts a detached handle down. Never reuse h afterwards.
func (s *Supervisor) destroy(tenantID string, h channel.Channel) {
	if s.watcher != nil {
		s.watcher.Unwatch(tenantID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DestroyTimeout)
	defer cancel()
	if err := h.Destroy(ctx); err != nil {
		log.Warn().Err(err).Str("tenantId", tenantID).Msg("failed to destroy client")
	}
}

func (s *Supervisor) transition(tenantID string, to State, fn func(*TenantSession)) {
	from := s.registry.TransitionWith(tenantID, to, fn)
	if from != to {
		log.Info().Str("tenantId", tenantID).Str("from", string(from)).Str("to", string(to)).Msg("session state changed")
	}
}

// spawn runs fn in a goroutine tracked for shutdown
func (s *Supervisor) spawn(fn func()) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// after runs fn once delay has elapsed, unless the supervisor shuts down first
func (s *Supervisor) after(delay time.Duration, fn func(ctx context.Context)) {
	s.spawn(func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			fn(s.ctx)
		case <-s.ctx.Done():
		}
	})
}

// shutdown destroys every live handle and waits for background work
func (s *Supervisor) shutdown(ctx context.Context) error {
	s.closing.Store(true)

	var wg sync.WaitGroup
	for _, snap := range s.registry.List() {
		h := s.registry.Detach(snap.TenantID)
		if h == nil {
			continue
		}
		wg.Add(1)
		go func(tenantID string, h channel.Channel) {
			defer wg.Done()
			s.destroy(tenantID, h)
		}(snap.TenantID, h)
	}
	wg.Wait()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn().Msg("session supervisor shutdown timed out")
		return ctx.Err()
	}
}

func conflictSource(reason string) string {
	switch {
	case containsFold(reason, channel.StateUnlaunched):
		return "unlaunched"
	case containsFold(reason, channel.StateConflict):
		return "conflict"
	case containsFold(reason, "health"):
		return "health"
	default:
		return "other"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
