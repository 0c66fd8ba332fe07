package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker client metrics
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "merklekv_connection_state",
			Help: "Current broker connection state (0=Disconnected,1=Connecting,2=Connected,3=Disconnecting)",
		},
	)

	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_reconnect_attempts_total",
			Help: "Total number of reconnection attempts made by the broker client",
		},
	)

	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_publishes_total",
			Help: "Total number of MQTT publishes by topic kind and outcome",
		},
		[]string{"topic_kind", "outcome"},
	)

	// Router / authorization metrics
	AuthDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_authorization_decisions_total",
			Help: "Total number of authorization decisions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	RestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "merklekv_subscription_restore_duration_seconds",
			Help:    "Time taken to restore subscriptions after reconnect",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Command processor metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_commands_total",
			Help: "Total number of commands processed by op and status",
		},
		[]string{"op", "status"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merklekv_command_duration_seconds",
			Help:    "Command processing duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	IdempotentReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_idempotent_replays_total",
			Help: "Total number of commands served from the idempotency cache",
		},
	)

	// Correlator metrics
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "merklekv_pending_requests",
			Help: "Number of requests currently awaiting a correlated response",
		},
	)

	RequestTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_request_timeouts_total",
			Help: "Total number of requests that timed out waiting for a response",
		},
	)

	// Replication metrics
	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_events_published_total",
			Help: "Total number of replication events published",
		},
	)

	EventsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_events_applied_total",
			Help: "Total number of replication events applied under LWW",
		},
	)

	EventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_events_rejected_total",
			Help: "Total number of replication events rejected by reason",
		},
		[]string{"reason"},
	)

	OutboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "merklekv_outbox_depth",
			Help: "Number of replication events currently queued in the outbox",
		},
	)

	AntiEntropyCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "merklekv_anti_entropy_cycle_duration_seconds",
			Help:    "Time taken for a Merkle anti-entropy sync cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Offline queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "merklekv_queue_depth",
			Help: "Number of queued operations by priority",
		},
		[]string{"priority"},
	)

	QueueProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_queue_processed_total",
			Help: "Total number of queued operations dispatched after reconnect",
		},
	)

	QueueFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_queue_failed_total",
			Help: "Total number of queued operations that failed to dispatch",
		},
	)

	QueueEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_queue_evicted_total",
			Help: "Total number of queued operations evicted by priority",
		},
		[]string{"priority"},
	)

	// Storage metrics
	TombstonesGCedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_tombstones_gced_total",
			Help: "Total number of tombstones garbage collected",
		},
	)

	KeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "merklekv_keys_total",
			Help: "Total number of live (non-tombstoned) keys in the store",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttemptsTotal,
		PublishesTotal,
		AuthDecisionsTotal,
		RestoreDuration,
		CommandsTotal,
		CommandDuration,
		IdempotentReplaysTotal,
		PendingRequests,
		RequestTimeoutsTotal,
		EventsPublishedTotal,
		EventsAppliedTotal,
		EventsRejectedTotal,
		OutboxDepth,
		AntiEntropyCycleDuration,
		QueueDepth,
		QueueProcessedTotal,
		QueueFailedTotal,
		QueueEvictedTotal,
		TombstonesGCedTotal,
		KeysTotal,
	)
}

// Handler returns the Prometheus HTTP handler for a node's metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
