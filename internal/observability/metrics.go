package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue", "name"},
	)
	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Number of jobs currently executing",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue", "name"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"queue", "name"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"queue", "name"},
	)
	QueueBackpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_backpressure_total",
			Help: "Total number of schedule calls rejected by backpressure",
		},
		[]string{"queue"},
	)
	CapacityRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capacity_rejections_total",
			Help: "Total number of per-org capacity rejections",
		},
		[]string{"reason"},
	)
	NotificationsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Total notifications delivered by channel",
		},
		[]string{"channel"},
	)
	NotificationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total notification delivery failures by channel",
		},
		[]string{"channel"},
	)
	DLQEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_entries_total",
			Help: "Total entries written to the dead letter queue",
		},
		[]string{"kind"},
	)
	BreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per name (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
	OutboxRelayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_relayed_total",
			Help: "Total outbox envelopes relayed to the event bus",
		},
	)
)

// InitMetrics registers all collectors with the default registry. Safe to call
// once per process.
func InitMetrics() {
	prometheus.MustRegister(
		JobsEnqueuedTotal,
		JobsActive,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobDuration,
		QueueBackpressureTotal,
		CapacityRejectionsTotal,
		NotificationsDeliveredTotal,
		NotificationsFailedTotal,
		DLQEntriesTotal,
		BreakerStateGauge,
		OutboxRelayedTotal,
	)
}
