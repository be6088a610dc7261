package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/metrics"
	"github.com/xiaoyuanzhu-com/session-fleet/session"
	"golang.org/x/sync/errgroup"
)

// Sweep names, also used as metric labels
const (
	SweepConnectivity = "connectivity"
	SweepBackup       = "backup"
	SweepStuck        = "stuck"
)

// Fleet is the part of the session manager the sweeps act on
type Fleet interface {
	Sessions() []session.Snapshot
	ResolveConflict(ctx context.Context, tenantID, reason string) error
	Save(ctx context.Context, tenantID string) error
	RecoverStuck(ctx context.Context, tenantID string) bool
}

// Config holds monitor configuration
type Config struct {
	// ConnectivityInterval is how often disconnected clients are reinitialized
	ConnectivityInterval time.Duration
	// BackupInterval is how often READY tenants are saved
	BackupInterval time.Duration
	// StuckInterval is how often launches are checked against StuckThreshold
	StuckInterval  time.Duration
	StuckThreshold time.Duration
	// Concurrency bounds per-sweep parallelism
	Concurrency int
}

// Monitor runs the periodic fleet sweeps
type Monitor struct {
	cfg     Config
	fleet   Fleet
	metrics *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. Zero intervals disable that sweep.
func NewMonitor(cfg Config, fleet Fleet, m *metrics.Metrics) *Monitor {
	if cfg.StuckThreshold == 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if m == nil {
		m = metrics.NewTestMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:      cfg,
		fleet:    fleet,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
}

// Start begins every enabled sweep loop
func (w *Monitor) Start() {
	log.Info().
		Dur("connectivity", w.cfg.ConnectivityInterval).
		Dur("backup", w.cfg.BackupInterval).
		Dur("stuck", w.cfg.StuckInterval).
		Msg("starting health monitor")

	w.loop(SweepConnectivity, w.cfg.ConnectivityInterval, w.ConnectivitySweep)
	w.loop(SweepBackup, w.cfg.BackupInterval, w.BackupSweep)
	w.loop(SweepStuck, w.cfg.StuckInterval, w.StuckSweep)
}

// Stop stops the sweeps and waits for in-flight work
func (w *Monitor) Stop() {
	close(w.stopChan)
	w.cancel()
	w.wg.Wait()
	log.Info().Msg("health monitor stopped")
}

func (w *Monitor) loop(name string, interval time.Duration, sweep func(ctx context.Context) int) {
	if interval <= 0 {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				start := time.Now()
				acted := sweep(w.ctx)
				w.metrics.SweepsTotal.WithLabelValues(name).Inc()
				w.metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
				if acted > 0 {
					log.Info().Str("sweep", name).Int("tenants", acted).Msg("health sweep acted")
				}
			case <-w.stopChan:
				return
			}
		}
	}()
}

// ConnectivitySweep reinitializes tenants whose client is not connected.
// Tenants mid-launch, mid-save, FAILED or already reconnecting are left alone.
// Returns the number of tenants acted on.
func (w *Monitor) ConnectivitySweep(ctx context.Context) int {
	var targets []string
	for _, s := range w.fleet.Sessions() {
		if s.Connected || s.Initializing || s.Saving {
			continue
		}
		if s.State == session.StateFailed || s.State == session.StateReconnecting {
			continue
		}
		targets = append(targets, s.TenantID)
	}

	w.each(ctx, targets, func(ctx context.Context, tenantID string) {
		log.Warn().Str("tenantId", tenantID).Msg("client not connected, reinitializing")
		err := w.fleet.ResolveConflict(ctx, tenantID, "health check: client not connected")
		if err != nil && !errors.Is(err, session.ErrAlreadyInitializing) {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("health reinitialization failed")
		}
	})
	return len(targets)
}

// BackupSweep saves every READY tenant not already saving
func (w *Monitor) BackupSweep(ctx context.Context) int {
	var targets []string
	for _, s := range w.fleet.Sessions() {
		if s.State == session.StateReady && !s.Saving {
			targets = append(targets, s.TenantID)
		}
	}

	w.each(ctx, targets, func(ctx context.Context, tenantID string) {
		if err := w.fleet.Save(ctx, tenantID); err != nil && !errors.Is(err, session.ErrSaveInProgress) {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("periodic backup failed")
		}
	})
	return len(targets)
}

// StuckSweep recovers launches that have not progressed within StuckThreshold.
// A pending challenge waits on a human and is never considered stuck.
func (w *Monitor) StuckSweep(ctx context.Context) int {
	var targets []string
	for _, s := range w.fleet.Sessions() {
		if !s.Initializing || !s.State.Launching() {
			continue
		}
		if time.Since(s.UpdatedAt) < w.cfg.StuckThreshold {
			continue
		}
		targets = append(targets, s.TenantID)
	}

	var recovered atomic.Int64
	w.each(ctx, targets, func(ctx context.Context, tenantID string) {
		// the fleet re-checks under its own lock
		if w.fleet.RecoverStuck(ctx, tenantID) {
			recovered.Add(1)
		}
	})
	return int(recovered.Load())
}

func (w *Monitor) each(ctx context.Context, tenantIDs []string, fn func(ctx context.Context, tenantID string)) {
	if len(tenantIDs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			fn(gctx, tenantID)
			return nil
		})
	}
	g.Wait()
}
