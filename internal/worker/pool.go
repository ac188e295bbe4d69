package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/internal/queue"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine.
// A job that has started runs to the end even if ctx is canceled.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case d := <-w.jobsChan:
			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", d.Task.JobID),
				slog.Int("attempt", d.Attempt),
			)
			w.handleDelivery(context.WithoutCancel(ctx), d)
		}
	}
}

// handleDelivery processes one task and settles it with the queue
func (w *Worker) handleDelivery(ctx context.Context, d *queue.Delivery) {
	err := w.processJob(ctx, d.Task.JobID)
	if err == nil {
		if ackErr := d.Ack(ctx); ackErr != nil {
			w.logger.Error("Failed to ACK task",
				slog.String("job_id", d.Task.JobID),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	retryable := w.shouldRetry(err)
	outcome, nackErr := d.Nack(ctx, err, retryable)
	if nackErr != nil {
		w.logger.Error("Failed to NACK task",
			slog.String("job_id", d.Task.JobID),
			slog.Any("error", nackErr),
		)
		return
	}

	w.logger.Info("Task NACKed",
		slog.String("job_id", d.Task.JobID),
		slog.Bool("retryable", retryable),
		slog.String("outcome", string(outcome)),
	)
}

// shouldRetry determines if a failed task should be redelivered
func (w *Worker) shouldRetry(err error) bool {
	if errors.Is(err, domain.ErrJobAlreadyFailed) {
		return false
	}
	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}
	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}
	return domain.IsRetryable(err)
}
