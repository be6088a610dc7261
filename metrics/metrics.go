package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Lifecycle metrics
	SessionsByState *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec
	ConflictsTotal  *prometheus.CounterVec
	InitFailures    *prometheus.CounterVec
	StuckInitsTotal prometheus.Counter
	OrphansKilled   prometheus.Counter
	ReauthRequired  prometheus.Counter
	InboundMessages prometheus.Counter

	// Backup metrics
	SavesTotal    *prometheus.CounterVec
	SaveDuration  prometheus.Histogram
	BackupBytes   prometheus.Histogram
	RestoresTotal *prometheus.CounterVec

	// Dispatch metrics
	SendsTotal    *prometheus.CounterVec
	SendRetries   prometheus.Counter
	SendDuration  prometheus.Histogram
	QueueDepth    prometheus.Gauge
	QueueRejected prometheus.Counter

	// Health sweep metrics
	SweepsTotal   *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_sessions",
				Help: "Number of tenant sessions per lifecycle state",
			},
			[]string{"state"},
		),

		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_state_transitions_total",
				Help: "Total number of lifecycle state transitions",
			},
			[]string{"from", "to"},
		),

		ReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_reconnect_attempts_total",
				Help: "Total number of reconnection attempts",
			},
			[]string{"outcome"},
		),

		ConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_conflicts_total",
				Help: "Total number of conflict resolutions",
			},
			[]string{"source"},
		),

		InitFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_init_failures_total",
				Help: "Total number of failed client initializations",
			},
			[]string{"reason"},
		),

		StuckInitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_stuck_inits_total",
				Help: "Total number of initializations cleared by the watchdog",
			},
		),

		OrphansKilled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_orphans_killed_total",
				Help: "Total number of orphaned client processes killed",
			},
		),

		ReauthRequired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_reauth_required_total",
				Help: "Total number of tenants that exhausted reconnection",
			},
		),

		InboundMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_inbound_messages_total",
				Help: "Total number of captured inbound messages",
			},
		),

		SavesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_backup_saves_total",
				Help: "Total number of session backup saves",
			},
			[]string{"outcome"},
		),

		SaveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleet_backup_save_duration_seconds",
				Help:    "Duration of session backup saves",
				Buckets: prometheus.DefBuckets,
			},
		),

		BackupBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleet_backup_size_bytes",
				Help:    "Size of session backup archives",
				Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
			},
		),

		RestoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_backup_restores_total",
				Help: "Total number of session restores",
			},
			[]string{"outcome"},
		),

		SendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_sends_total",
				Help: "Total number of outbound sends",
			},
			[]string{"kind", "outcome"},
		),

		SendRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_send_retries_total",
				Help: "Total number of send retries after a retryable failure",
			},
		),

		SendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleet_send_duration_seconds",
				Help:    "Duration of outbound sends including readiness waits",
				Buckets: prometheus.DefBuckets,
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_send_queue_depth",
				Help: "Current number of queued outbound sends",
			},
		),

		QueueRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_send_queue_rejected_total",
				Help: "Total number of sends rejected because the queue was full",
			},
		),

		SweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_health_sweeps_total",
				Help: "Total number of health sweeps",
			},
			[]string{"sweep"},
		),

		SweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_health_sweep_duration_seconds",
				Help:    "Duration of health sweeps",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sweep"},
		),
	}
}

// NewTestMetrics returns metrics bound to a private registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
