package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Sync metrics
	OperationsSynced     *prometheus.CounterVec
	OperationsFailed     *prometheus.CounterVec
	OperationsConflicted *prometheus.CounterVec
	SyncDuration         prometheus.Histogram
	SyncRuns             *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec
	DuplicatesDetected   prometheus.Counter

	// Integrity metrics
	IntegrityFailures  *prometheus.CounterVec
	QuarantinedRecords prometheus.Counter
	AuditLogsCreated   *prometheus.CounterVec

	// Vault metrics
	UnlockAttempts *prometheus.CounterVec
	VaultLockouts  prometheus.Counter

	// Storage metrics
	StorageUsageRatio prometheus.Gauge
	StorageRetries    prometheus.Counter

	// Event bus metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// Lock metrics
	LocksLost prometheus.Counter

	// Gateway metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge
	GatewayOperations   *prometheus.CounterVec
	RateLimitHits       *prometheus.CounterVec
	IdempotentReplays   prometheus.Counter
	AuthFailures        *prometheus.CounterVec
	RemoteCallDurations *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Sync metrics
		OperationsSynced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_operations_synced_total",
				Help: "Total number of operations acknowledged by the remote",
			},
			[]string{"entity_type"},
		),
		OperationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_operations_failed_total",
				Help: "Total number of failed operation attempts",
			},
			[]string{"entity_type", "permanent"},
		),
		OperationsConflicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_operations_conflicted_total",
				Help: "Total number of conflicts detected by type",
			},
			[]string{"conflict_type"},
		),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "offledger_sync_duration_seconds",
			Help:    "Duration of sync runs",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_sync_runs_total",
				Help: "Total sync runs by final state",
			},
			[]string{"state"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offledger_queue_depth",
				Help: "Queue entries by status",
			},
			[]string{"status"},
		),
		DuplicatesDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "offledger_semantic_duplicates_total",
			Help: "Total number of suspected semantic duplicates held for review",
		}),

		// Integrity metrics
		IntegrityFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_integrity_failures_total",
				Help: "Total integrity failures by source",
			},
			[]string{"source"},
		),
		QuarantinedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "offledger_quarantined_records_total",
			Help: "Total records quarantined after a failed integrity check",
		}),
		AuditLogsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_audit_logs_total",
				Help: "Total audit entries appended",
			},
			[]string{"action", "status"},
		),

		// Vault metrics
		UnlockAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_vault_unlock_attempts_total",
				Help: "Total vault unlock attempts",
			},
			[]string{"status"},
		),
		VaultLockouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "offledger_vault_lockouts_total",
			Help: "Total vault lockouts after too many failed attempts",
		}),

		// Storage metrics
		StorageUsageRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "offledger_storage_usage_ratio",
			Help: "Local store usage as a fraction of the quota",
		}),
		StorageRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "offledger_storage_busy_retries_total",
			Help: "Total transactions retried after the local store was busy",
		}),

		// Event bus metrics
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_events_published_total",
				Help: "Total events published on the bus",
			},
			[]string{"type"},
		),
		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_events_dropped_total",
				Help: "Total events dropped because a subscriber was full",
			},
			[]string{"type"},
		),

		// Lock metrics
		LocksLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "offledger_locks_lost_total",
			Help: "Total local locks dropped during reconciliation",
		}),

		// Gateway metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offledger_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "offledger_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		}),
		GatewayOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_gateway_operations_total",
				Help: "Total operations processed by the gateway",
			},
			[]string{"type", "outcome"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_rate_limit_hits_total",
				Help: "Total rate limit hits",
			},
			[]string{"client"},
		),
		IdempotentReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "offledger_idempotent_replays_total",
			Help: "Total responses served from the idempotency store",
		}),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offledger_auth_failures_total",
				Help: "Total authentication failures",
			},
			[]string{"reason"},
		),
		RemoteCallDurations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offledger_remote_call_duration_seconds",
				Help:    "Duration of calls from the client to the remote backend",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call", "outcome"},
		),
	}
}
