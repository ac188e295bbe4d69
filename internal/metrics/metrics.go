// Package metrics holds the Prometheus collectors for the image batch pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all pipeline metrics.
	Namespace = "image_batch"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Queue events
	TasksEnqueued *prometheus.CounterVec
	QueueEvents   *prometheus.CounterVec
	RetryDelay    prometheus.Histogram

	// Job processing
	JobsFinished       *prometheus.CounterVec
	JobDurationSeconds prometheus.Histogram
	JobsRunning        prometheus.Gauge
	ItemsProcessed     *prometheus.CounterVec
	RefsTransformed    *prometheus.CounterVec

	// Notifications
	Notifications *prometheus.CounterVec
}

// New creates and registers all pipeline metrics on reg.
// A nil registerer falls back to the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initQueueMetrics(factory)
	m.initJobMetrics(factory)

	return m
}

func (m *Metrics) initQueueMetrics(factory promauto.Factory) {
	m.TasksEnqueued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "tasks_enqueued_total",
			Help:      "Total number of tasks enqueued",
		},
		[]string{"driver"},
	)

	m.QueueEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "events_total",
			Help:      "Queue lifecycle events by type (completed, failed, stalled, dead)",
		},
		[]string{"event"},
	)

	m.RetryDelay = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay applied before a redelivery",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		},
	)
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	m.JobDurationSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Duration of job processing in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		},
	)

	m.JobsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "jobs_running",
			Help:      "Number of jobs currently being processed",
		},
	)

	m.ItemsProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "items_processed_total",
			Help:      "Line items that reached a terminal status",
		},
		[]string{"status"},
	)

	m.RefsTransformed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transformer",
			Name:      "refs_total",
			Help:      "Source references transformed, by outcome",
		},
		[]string{"outcome"},
	)

	m.Notifications = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Completion notifications by resulting status",
		},
		[]string{"status"},
	)
}
