package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnqueuedTotal tracks transactions accepted by the producer
	EnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_enqueued_total",
			Help: "Total number of transactions enqueued",
		},
		[]string{"type"},
	)

	// EnqueueRollbacksTotal tracks enqueue two-phase-commit rollbacks
	EnqueueRollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_enqueue_rollbacks_total",
			Help: "Total number of enqueue rollbacks after a publish failure",
		},
	)

	// EnqueueRollbackFailuresTotal tracks rows stuck in queued after a failed rollback
	EnqueueRollbackFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_enqueue_rollback_failures_total",
			Help: "Total number of rollback updates that also failed",
		},
	)

	// DispatchesTotal tracks dispatch attempts per endpoint and outcome
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_dispatches_total",
			Help: "Total number of dispatch calls to the relayer pool",
		},
		[]string{"endpoint", "outcome"},
	)

	// IdempotentSkipsTotal tracks redeliveries short-circuited by the idempotency gate
	IdempotentSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_idempotent_skips_total",
			Help: "Total number of redelivered messages skipped without dispatch",
		},
	)

	// DLQFinalizedTotal tracks dead-letter finalizations by retry flag
	DLQFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_dlq_finalized_total",
			Help: "Total number of transactions finalized from the dead-letter queue",
		},
		[]string{"retry_flag"},
	)

	// RoutingDuration tracks endpoint selection latency
	RoutingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relayd_routing_duration_seconds",
			Help:    "Endpoint selection latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RoutingFallbacksTotal tracks selections that fell back to round-robin
	RoutingFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_routing_fallbacks_total",
			Help: "Total number of selections with no healthy endpoint",
		},
	)

	// ProbeFailuresTotal tracks failed health probes per endpoint
	ProbeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_probe_failures_total",
			Help: "Total number of failed relayer health probes",
		},
		[]string{"endpoint"},
	)

	// EndpointPending tracks the last probed pending count per endpoint
	EndpointPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayd_endpoint_pending_transactions",
			Help: "Pending transactions reported by each relayer endpoint",
		},
		[]string{"endpoint"},
	)

	// QueueDepth tracks ready message counts per queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayd_queue_depth",
			Help: "Number of visible messages per queue",
		},
		[]string{"queue"},
	)

	// DBConnectionPoolUsage tracks database pool saturation
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
