package health

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/metrics"
	"github.com/xiaoyuanzhu-com/session-fleet/session"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeFleet struct {
	mu        sync.Mutex
	sessions  []session.Snapshot
	resolved  []string
	saved     []string
	recovered []string
	// progressed lists tenants whose launch moved on before recovery ran
	progressed map[string]bool
}

func (f *fakeFleet) Sessions() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Snapshot(nil), f.sessions...)
}

func (f *fakeFleet) ResolveConflict(ctx context.Context, tenantID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, tenantID)
	return nil
}

func (f *fakeFleet) Save(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, tenantID)
	return nil
}

func (f *fakeFleet) RecoverStuck(ctx context.Context, tenantID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progressed[tenantID] {
		return false
	}
	f.recovered = append(f.recovered, tenantID)
	return true
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func createTestMonitor(t *testing.T, sessions ...session.Snapshot) (*Monitor, *fakeFleet) {
	t.Helper()
	fleet := &fakeFleet{sessions: sessions}
	monitor := NewMonitor(Config{StuckThreshold: time.Minute, Concurrency: 2}, fleet, metrics.NewTestMetrics())
	return monitor, fleet
}

func TestConnectivitySweep_ReinitializesDisconnectedOnly(t *testing.T) {
	monitor, fleet := createTestMonitor(t,
		session.Snapshot{TenantID: "ready", State: session.StateReady, Connected: true},
		session.Snapshot{TenantID: "dropped", State: session.StateReady, Connected: false},
		session.Snapshot{TenantID: "disconnected", State: session.StateDisconnected},
		session.Snapshot{TenantID: "launching", State: session.StateInitializing, Initializing: true},
		session.Snapshot{TenantID: "saving", State: session.StateReady, Saving: true},
		session.Snapshot{TenantID: "failed", State: session.StateFailed},
		session.Snapshot{TenantID: "reconnecting", State: session.StateReconnecting},
	)

	acted := monitor.ConnectivitySweep(context.Background())

	assert.Equal(t, 2, acted)
	assert.Equal(t, []string{"disconnected", "dropped"}, sorted(fleet.resolved))
}

func TestBackupSweep_SavesReadyTenants(t *testing.T) {
	monitor, fleet := createTestMonitor(t,
		session.Snapshot{TenantID: "T1", State: session.StateReady, Connected: true},
		session.Snapshot{TenantID: "T2", State: session.StateReady, Connected: true, Saving: true},
		session.Snapshot{TenantID: "T3", State: session.StateAwaitingChallenge},
		session.Snapshot{TenantID: "T4", State: session.StateReady, Connected: true},
	)

	monitor.BackupSweep(context.Background())

	assert.Equal(t, []string{"T1", "T4"}, sorted(fleet.saved))
}

func TestStuckSweep_RecoversOldLaunchesOnly(t *testing.T) {
	old := time.Now().Add(-2 * time.Minute)
	monitor, fleet := createTestMonitor(t,
		session.Snapshot{TenantID: "stuck", State: session.StateInitializing, Initializing: true, UpdatedAt: old},
		session.Snapshot{TenantID: "stuck-auth", State: session.StateAuthenticated, Initializing: true, UpdatedAt: old},
		session.Snapshot{TenantID: "fresh", State: session.StateInitializing, Initializing: true, UpdatedAt: time.Now()},
		session.Snapshot{TenantID: "challenge", State: session.StateAwaitingChallenge, Initializing: true, UpdatedAt: old},
		session.Snapshot{TenantID: "released", State: session.StateInitializing, UpdatedAt: old},
	)

	assert.Equal(t, 2, monitor.StuckSweep(context.Background()))
	assert.Equal(t, []string{"stuck", "stuck-auth"}, sorted(fleet.recovered))
}

func TestStuckSweep_CountsOnlyRecoveredLaunches(t *testing.T) {
	old := time.Now().Add(-2 * time.Minute)
	monitor, fleet := createTestMonitor(t,
		session.Snapshot{TenantID: "stuck", State: session.StateInitializing, Initializing: true, UpdatedAt: old},
		session.Snapshot{TenantID: "raced", State: session.StateInitializing, Initializing: true, UpdatedAt: old},
	)
	fleet.progressed = map[string]bool{"raced": true}

	assert.Equal(t, 1, monitor.StuckSweep(context.Background()))
	assert.Equal(t, []string{"stuck"}, fleet.recovered)
}

func TestMonitor_LoopsRecordSweeps(t *testing.T) {
	fleet := &fakeFleet{sessions: []session.Snapshot{{TenantID: "T1", State: session.StateReady, Connected: true}}}
	m := metrics.NewTestMetrics()
	monitor := NewMonitor(Config{BackupInterval: 10 * time.Millisecond}, fleet, m)

	monitor.Start()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SweepsTotal.WithLabelValues(SweepBackup)) >= 2
	}, time.Second, 5*time.Millisecond)
	monitor.Stop()

	assert.Zero(t, testutil.ToFloat64(m.SweepsTotal.WithLabelValues(SweepConnectivity)), "disabled sweeps never run")
	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	assert.NotEmpty(t, fleet.saved)
}
