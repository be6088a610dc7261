package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/fs"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/metrics"
	"golang.org/x/sync/errgroup"
)

// Deps are the collaborators of a Manager. Notifier and Mirror are optional.
type Deps struct {
	DB       *db.DB
	Factory  channel.Factory
	Codec    *fs.ArchiveCodec
	Notifier Notifier
	Mirror   Mirror
	Metrics  *metrics.Metrics
}

// Manager is the entry point to the tenant session fleet
type Manager struct {
	cfg        Config
	registry   *Registry
	backups    *BackupService
	supervisor *Supervisor
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
}

// ClientStatus is the externally visible status of one tenant
type ClientStatus struct {
	Exists bool `json:"exists"`
	Snapshot
}

// FleetStatus summarizes every tenant
type FleetStatus struct {
	Total        int           `json:"total"`
	ByState      map[State]int `json:"byState"`
	Initializing int           `json:"initializing"`
	Saving       int           `json:"saving"`
	QueueDepth   int           `json:"queueDepth"`
	Tenants      []Snapshot    `json:"tenants"`
}

// FleetMonitor splits tenants into active (READY) and the rest
type FleetMonitor struct {
	Active       []string `json:"active"`
	Disconnected []string `json:"disconnected"`
}

// NewManager wires the registry, backup service, supervisor and dispatcher
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("session manager requires a database")
	}
	if deps.Factory == nil {
		return nil, fmt.Errorf("session manager requires a channel factory")
	}
	if deps.Codec == nil {
		deps.Codec = fs.NewArchiveCodec(cfg.IORetry)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewTestMetrics()
	}

	registry := NewRegistry()
	backups := NewBackupService(cfg, registry, deps.DB.SessionBackups(), deps.Codec, deps.Mirror, deps.Metrics)
	supervisor := newSupervisor(cfg, registry, backups, deps.Factory, deps.DB, deps.Notifier, deps.Metrics)
	dispatcher := newDispatcher(cfg, registry, supervisor, deps.DB, deps.Metrics)

	m := &Manager{
		cfg:        cfg,
		registry:   registry,
		backups:    backups,
		supervisor: supervisor,
		dispatcher: dispatcher,
		metrics:    deps.Metrics,
	}

	if cfg.BackupDebounce > 0 {
		watcher, err := fs.NewWorkdirWatcher(cfg.BackupDebounce, supervisor.onWorkdirSettled)
		if err != nil {
			log.Warn().Err(err).Msg("working directory watcher unavailable, relying on periodic backups")
		} else {
			supervisor.watcher = watcher
		}
	}

	registry.OnTransition(func(tenantID string, from, to State) {
		m.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
		m.refreshStateGauge()
	})

	return m, nil
}

// Start launches the send queue workers
func (m *Manager) Start() {
	m.dispatcher.Start()
}

// OnTransition registers an observer of state changes
func (m *Manager) OnTransition(fn TransitionFunc) {
	m.registry.OnTransition(fn)
}

// InitializeSession starts the tenant's client, returning once it has launched
func (m *Manager) InitializeSession(ctx context.Context, tenantID string) error {
	return m.supervisor.Initialize(ctx, tenantID)
}

// StartSession acquires the init guard and launches in the background
func (m *Manager) StartSession(tenantID string) error {
	return m.supervisor.InitializeAsync(tenantID)
}

// IsReady reports whether the tenant can send
func (m *Manager) IsReady(tenantID string) bool {
	state, _ := m.registry.State(tenantID)
	return state.CanSend()
}

// IsInitializing reports whether the tenant's init guard is held
func (m *Manager) IsInitializing(tenantID string) bool {
	return m.registry.IsInitializing(tenantID)
}

// RequestChallenge returns the pending challenge, starting the client and
// waiting for one if needed.
func (m *Manager) RequestChallenge(ctx context.Context, tenantID string) (string, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	snap, _ := m.registry.Get(tenantID)
	if snap.State == StateReady {
		return "", ErrAlreadyReady
	}
	if snap.HasChallenge {
		return snap.Challenge, nil
	}

	if err := m.supervisor.InitializeAsync(tenantID); err != nil && !errors.Is(err, ErrAlreadyInitializing) {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyWait)
	defer cancel()
	_, err := m.registry.Wait(waitCtx, tenantID, func(s State) bool {
		return s == StateAwaitingChallenge || s == StateReady || s == StateFailed
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}

	snap, _ = m.registry.Get(tenantID)
	switch {
	case snap.State == StateReady:
		return "", ErrAlreadyReady
	case snap.HasChallenge:
		return snap.Challenge, nil
	default:
		return "", ErrNoChallenge
	}
}

// Send delivers content synchronously
func (m *Manager) Send(ctx context.Context, tenantID, recipient string, content channel.Content) (*Receipt, error) {
	return m.dispatcher.Send(ctx, tenantID, recipient, content)
}

// Enqueue places a send on the bounded queue
func (m *Manager) Enqueue(tenantID, recipient string, content channel.Content) (*Ticket, error) {
	return m.dispatcher.Enqueue(tenantID, recipient, content)
}

// Save backs the tenant's working directory up
func (m *Manager) Save(ctx context.Context, tenantID string) error {
	return m.backups.Save(ctx, tenantID)
}

// Restore unpacks the tenant's backup; false means there was none
func (m *Manager) Restore(ctx context.Context, tenantID string) (bool, error) {
	return m.backups.Restore(ctx, tenantID)
}

// ResolveConflict tears the tenant down and reinitializes it after the cooldown
func (m *Manager) ResolveConflict(ctx context.Context, tenantID, reason string) error {
	return m.supervisor.ResolveConflict(ctx, tenantID, reason)
}

// Reauthenticate discards credentials and issues a fresh challenge
func (m *Manager) Reauthenticate(ctx context.Context, tenantID string) error {
	return m.supervisor.Reauthenticate(ctx, tenantID)
}

// RecoverStuck clears the tenant's launch if it is still stuck past the
// configured threshold, and schedules a retry.
func (m *Manager) RecoverStuck(ctx context.Context, tenantID string) bool {
	return m.supervisor.RecoverStuck(ctx, tenantID, m.cfg.StuckThreshold)
}

// Status returns one tenant's status
func (m *Manager) Status(tenantID string) ClientStatus {
	snap, ok := m.registry.Get(tenantID)
	return ClientStatus{Exists: ok, Snapshot: snap}
}

// Sessions returns a snapshot of every tenant
func (m *Manager) Sessions() []Snapshot {
	return m.registry.List()
}

// GetFleetStatus summarizes the fleet
func (m *Manager) GetFleetStatus() FleetStatus {
	tenants := m.registry.List()
	status := FleetStatus{
		Total:      len(tenants),
		ByState:    m.registry.CountByState(),
		QueueDepth: m.dispatcher.QueueDepth(),
		Tenants:    tenants,
	}
	for _, t := range tenants {
		if t.Initializing {
			status.Initializing++
		}
		if t.Saving {
			status.Saving++
		}
	}
	return status
}

// Monitor lists active and disconnected tenants
func (m *Manager) Monitor() FleetMonitor {
	monitor := FleetMonitor{Active: []string{}, Disconnected: []string{}}
	for _, t := range m.registry.List() {
		if t.State == StateReady {
			monitor.Active = append(monitor.Active, t.TenantID)
		} else {
			monitor.Disconnected = append(monitor.Disconnected, t.TenantID)
		}
	}
	return monitor
}

// Replay initializes every registered tenant, with bounded concurrency and a
// paced launch rate. Per-tenant failures are logged, not returned.
func (m *Manager) Replay(ctx context.Context) error {
	tenants, err := m.supervisor.database.Tenants().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	log.Info().Int("tenants", len(tenants)).Msg("replaying tenant sessions")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.cfg.ReplayConcurrency, 1))

	for _, t := range tenants {
		tenantID := t.TenantID
		m.registry.Ensure(tenantID)

		if err := m.supervisor.launches.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			if err := m.supervisor.Initialize(gctx, tenantID); err != nil {
				log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to replay tenant session")
			}
			return nil
		})
	}

	return g.Wait()
}

// SaveAll saves every READY tenant
func (m *Manager) SaveAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.cfg.ReplayConcurrency, 1))

	for _, t := range m.registry.List() {
		if t.State != StateReady {
			continue
		}
		tenantID := t.TenantID
		g.Go(func() error {
			if err := m.backups.Save(gctx, tenantID); err != nil && !errors.Is(err, ErrSaveInProgress) {
				log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to save session before shutdown")
			}
			return nil
		})
	}
	g.Wait()
}

// Shutdown saves every READY tenant, then destroys all clients
func (m *Manager) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down session manager")

	m.dispatcher.Stop()
	m.SaveAll(ctx)

	if m.supervisor.watcher != nil {
		m.supervisor.watcher.Stop()
	}

	if err := m.supervisor.shutdown(ctx); err != nil {
		return err
	}
	log.Info().Msg("session manager shutdown complete")
	return nil
}

func (m *Manager) refreshStateGauge() {
	for state, n := range m.registry.CountByState() {
		m.metrics.SessionsByState.WithLabelValues(string(state)).Set(float64(n))
	}
}
