package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/internal/queue"
	"github.com/google/uuid"
)

// startMessageDispatcher validates deliveries and hands them to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan *queue.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - worker stopping")
			return

		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			// Malformed payloads and invalid ids can never succeed
			if _, err := uuid.Parse(d.Task.JobID); err != nil {
				w.logger.Error("Invalid job_id in task payload",
					slog.String("task_id", d.ID),
					slog.String("job_id", d.Task.JobID),
					slog.String("body", string(d.Body)),
				)
				cause := fmt.Errorf("%w: job_id %q", domain.ErrInvalidPayload, d.Task.JobID)
				if _, nackErr := d.Nack(context.WithoutCancel(ctx), cause, false); nackErr != nil {
					w.logger.Error("Failed to dead-letter invalid task",
						slog.String("task_id", d.ID),
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- d:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", d.Task.JobID),
					slog.String("task_id", d.ID),
					slog.Int("attempt", d.Attempt),
				)
			case <-ctx.Done():
				w.requeue(d)
				return
			case <-w.stopChan:
				w.requeue(d)
				return
			}
		}
	}
}

// requeue returns an undispatched task without consuming an attempt
func (w *Worker) requeue(d *queue.Delivery) {
	w.logger.Info("Message dispatcher stopped while dispatching job",
		slog.String("job_id", d.Task.JobID),
	)
	if err := d.Requeue(context.Background()); err != nil {
		w.logger.Error("Failed to requeue task on shutdown",
			slog.String("task_id", d.ID),
			slog.Any("error", err),
		)
	}
}
