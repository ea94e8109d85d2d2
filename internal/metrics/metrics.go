package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/attendhub/outbox-agent/internal/domain"
)

// Metrics groups all Prometheus instruments used across the agent.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	ItemsSynced          *prometheus.CounterVec
	ItemsFailed          *prometheus.CounterVec
	ItemsRequeued        *prometheus.CounterVec
	AttachmentsUploaded  prometheus.Counter
	AttachmentsFailed    prometheus.Counter
	SyncPassDuration     prometheus.Histogram
	QueueDepthPending    prometheus.Gauge
	QueueDepthInProgress prometheus.Gauge
	QueueDepthSynced     prometheus.Gauge
	QueueDepthError      prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_items_synced_total",
			Help: "Total number of queue items acknowledged by the backend.",
		}, []string{"type"}),

		ItemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_items_failed_total",
			Help: "Total number of application-level submission failures (retry budget consumed).",
		}, []string{"type"}),

		ItemsRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_items_requeued_total",
			Help: "Total number of connectivity failures that reverted an item to pending.",
		}, []string{"type"}),

		AttachmentsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_attachments_uploaded_total",
			Help: "Total number of attachments uploaded after their parent event synced.",
		}),

		AttachmentsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_attachments_failed_total",
			Help: "Total number of failed attachment upload attempts.",
		}),

		SyncPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_sync_pass_seconds",
			Help:    "Duration of one queue drain pass.",
			Buckets: prometheus.DefBuckets,
		}),

		QueueDepthPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_queue_depth_pending",
			Help: "Current number of pending queue items.",
		}),
		QueueDepthInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_queue_depth_in_progress",
			Help: "Current number of in-progress queue items.",
		}),
		QueueDepthSynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_queue_depth_synced",
			Help: "Current number of locally retained synced queue items.",
		}),
		QueueDepthError: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_queue_depth_error",
			Help: "Current number of queue items in error status.",
		}),
	}

	reg.MustRegister(
		m.ItemsSynced,
		m.ItemsFailed,
		m.ItemsRequeued,
		m.AttachmentsUploaded,
		m.AttachmentsFailed,
		m.SyncPassDuration,
		m.QueueDepthPending,
		m.QueueDepthInProgress,
		m.QueueDepthSynced,
		m.QueueDepthError,
	)

	return m
}

// EngineHooks returns the metric callback functions expected by the sync
// engine. Centralises the prometheus observation calls so the engine stays
// metrics-agnostic.
func (m *Metrics) EngineHooks() (
	onSynced func(domain.EventType),
	onFailed func(domain.EventType),
	onRequeued func(domain.EventType),
	onPass func(time.Duration),
) {
	onSynced = func(t domain.EventType) {
		m.ItemsSynced.WithLabelValues(string(t)).Inc()
	}
	onFailed = func(t domain.EventType) {
		m.ItemsFailed.WithLabelValues(string(t)).Inc()
	}
	onRequeued = func(t domain.EventType) {
		m.ItemsRequeued.WithLabelValues(string(t)).Inc()
	}
	onPass = func(d time.Duration) {
		m.SyncPassDuration.Observe(d.Seconds())
	}
	return
}

// SetQueueDepths updates the per-status depth gauges from a counts snapshot.
func (m *Metrics) SetQueueDepths(c domain.QueueCounts) {
	m.QueueDepthPending.Set(float64(c.Pending))
	m.QueueDepthInProgress.Set(float64(c.InProgress))
	m.QueueDepthSynced.Set(float64(c.Synced))
	m.QueueDepthError.Set(float64(c.Errors))
}
