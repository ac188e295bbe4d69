package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-batch/internal/metrics"
)

// Events observes the queue lifecycle. Implementations are for monitoring
// only and must not influence control flow.
type Events interface {
	Enqueued(ctx context.Context, id string, task Task)
	Completed(ctx context.Context, d *Delivery)
	Failed(ctx context.Context, d *Delivery, err error, retryIn time.Duration)
	Dead(ctx context.Context, d *Delivery, err error)
	Stalled(ctx context.Context, d *Delivery)
}

// NopEvents discards every event
type NopEvents struct{}

func (NopEvents) Enqueued(context.Context, string, Task)                  {}
func (NopEvents) Completed(context.Context, *Delivery)                    {}
func (NopEvents) Failed(context.Context, *Delivery, error, time.Duration) {}
func (NopEvents) Dead(context.Context, *Delivery, error)                  {}
func (NopEvents) Stalled(context.Context, *Delivery)                      {}

// Monitor logs queue events, counts them in Prometheus and keeps a bounded
// history in Redis when one is configured. Metrics and history are optional.
type Monitor struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	history *History
	driver  string
}

// NewMonitor creates a queue monitor
func NewMonitor(logger *slog.Logger, m *metrics.Metrics, history *History, driver string) *Monitor {
	return &Monitor{
		logger:  logger,
		metrics: m,
		history: history,
		driver:  driver,
	}
}

// Enqueued reports a newly enqueued task
func (m *Monitor) Enqueued(ctx context.Context, id string, task Task) {
	if m.metrics != nil {
		m.metrics.TasksEnqueued.WithLabelValues(m.driver).Inc()
	}
	m.logger.Info("Task enqueued",
		slog.String("task_id", id),
		slog.String("job_id", task.JobID),
	)
}

// Completed reports an acked task and adds it to the history
func (m *Monitor) Completed(ctx context.Context, d *Delivery) {
	m.count(EventCompleted)
	m.logger.Info("Task completed",
		slog.String("task_id", d.ID),
		slog.String("job_id", d.Task.JobID),
		slog.Int("attempt", d.Attempt),
	)
	m.record(ctx, d, EventCompleted, nil)
}

// Failed reports a failed attempt along with its retry delay
func (m *Monitor) Failed(ctx context.Context, d *Delivery, err error, retryIn time.Duration) {
	m.count(EventFailed)
	if retryIn > 0 && m.metrics != nil {
		m.metrics.RetryDelay.Observe(retryIn.Seconds())
	}
	m.logger.Error("Task failed",
		slog.String("task_id", d.ID),
		slog.String("job_id", d.Task.JobID),
		slog.Int("attempt", d.Attempt),
		slog.Int("max_attempts", d.Options.MaxAttempts),
		slog.Duration("retry_in", retryIn),
		slog.Any("error", err),
	)
	m.record(ctx, d, EventFailed, err)
}

// Dead reports a task moved to the failure sink
func (m *Monitor) Dead(ctx context.Context, d *Delivery, err error) {
	m.count(EventDead)
	m.logger.Error("Task moved to dead queue",
		slog.String("task_id", d.ID),
		slog.String("job_id", d.Task.JobID),
		slog.Int("attempt", d.Attempt),
		slog.Any("error", err),
	)
	m.record(ctx, d, EventDead, err)
}

// Stalled reports a task that was redelivered after a stall
func (m *Monitor) Stalled(ctx context.Context, d *Delivery) {
	m.count(EventStalled)
	m.logger.Warn("Task stalled and was redelivered",
		slog.String("task_id", d.ID),
		slog.String("job_id", d.Task.JobID),
		slog.Int("attempt", d.Attempt),
	)
	m.record(ctx, d, EventStalled, nil)
}

func (m *Monitor) count(event string) {
	if m.metrics != nil {
		m.metrics.QueueEvents.WithLabelValues(event).Inc()
	}
}

func (m *Monitor) record(ctx context.Context, d *Delivery, event string, err error) {
	if m.history == nil {
		return
	}
	entry := HistoryEntry{
		TaskID:  d.ID,
		JobID:   d.Task.JobID,
		Event:   event,
		Attempt: d.Attempt,
		At:      time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if recErr := m.history.Record(ctx, entry); recErr != nil {
		m.logger.Warn("Failed to record queue history",
			slog.String("task_id", d.ID),
			slog.String("event", event),
			slog.Any("error", recErr),
		)
	}
}
