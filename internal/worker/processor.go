package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
)

// processJob drives one job from pending to a terminal state.
//
// A nil return means the task is done (including a job that was already
// completed). Job-level failures mark the job failed and come back as
// retryable so the queue's attempt budget applies.
func (w *Worker) processJob(ctx context.Context, jobID string) error {
	w.logger.Info("Processing job",
		slog.String("job_id", jobID),
		slog.String("worker_id", w.workerID),
	)

	// Step 1: idempotence guard
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Error("Job not found", slog.String("job_id", jobID))
			return err
		}
		return domain.NewRetryableError(&domain.JobStoreError{Op: "load job", Err: err})
	}
	if done, guardErr := w.checkTerminal(job); done {
		return guardErr
	}

	// Step 2: pending/processing -> processing
	job, err = w.store.MarkJobProcessing(ctx, jobID)
	if err != nil {
		return w.settleJobError(ctx, jobID, &domain.JobStoreError{Op: "mark job processing", Err: err})
	}

	start := time.Now()
	if w.metrics != nil {
		w.metrics.JobsRunning.Inc()
		defer w.metrics.JobsRunning.Dec()
	}

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(ctx, jobID, heartbeatDone)
	defer close(heartbeatDone)

	// Steps 3-4: line items in sequence order
	if err := w.processItems(ctx, job); err != nil {
		return w.settleJobError(ctx, jobID, err)
	}

	// Step 5: processing -> completed
	if err := w.store.CompleteJob(ctx, jobID); err != nil {
		return w.settleJobError(ctx, jobID, &domain.JobStoreError{Op: "complete job", Err: err})
	}

	if w.metrics != nil {
		w.metrics.JobsFinished.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
		w.metrics.JobDurationSeconds.Observe(time.Since(start).Seconds())
	}
	w.logger.Info("Job completed successfully",
		slog.String("job_id", jobID),
		slog.Int("total_items", job.TotalItems),
		slog.Duration("duration", time.Since(start)),
	)

	// Step 6: best-effort notification; never affects the job status
	w.notifier.Notify(ctx, jobID)
	return nil
}

// checkTerminal reports whether job needs no further processing and the
// error the task should be settled with
func (w *Worker) checkTerminal(job *domain.Job) (bool, error) {
	switch job.Status {
	case domain.JobStatusCompleted:
		w.logger.Info("Job already completed, skipping",
			slog.String("job_id", job.JobID),
		)
		return true, nil
	case domain.JobStatusFailed:
		w.logger.Warn("Job already failed, skipping",
			slog.String("job_id", job.JobID),
		)
		return true, fmt.Errorf("job %s: %w", job.JobID, domain.ErrJobAlreadyFailed)
	default:
		return false, nil
	}
}

func (w *Worker) processItems(ctx context.Context, job *domain.Job) error {
	items, err := w.store.ListLineItems(ctx, job.JobID)
	if err != nil {
		return &domain.JobStoreError{Op: "list line items", Err: err}
	}

	for _, item := range items {
		// counted already by MarkJobProcessing on resume
		if item.ItemStatus.IsTerminal() {
			w.logger.Debug("Skipping finished line item",
				slog.String("job_id", job.JobID),
				slog.Int("sequence_number", item.SequenceNumber),
			)
			continue
		}

		if !w.processItem(ctx, item) {
			continue
		}

		progress, err := w.store.IncrementProgress(ctx, job.JobID)
		if err != nil {
			return &domain.JobStoreError{Op: "increment progress", Err: err}
		}

		w.logger.Info("Job progress updated",
			slog.String("job_id", job.JobID),
			slog.Int("processed_items", progress.ProcessedItems),
			slog.Int("total_items", progress.TotalItems),
			slog.Int("progress", progress.Progress),
		)
	}
	return nil
}

// processItem transforms every source reference of the item in order and
// reports whether this delivery moved the item to a terminal state.
// Reference failures leave an empty result in place; item-row write
// failures fail the item and let the job continue. An item another
// delivery already finished is skipped without being counted.
func (w *Worker) processItem(ctx context.Context, item domain.LineItem) bool {
	if err := w.store.MarkItemProcessing(ctx, item.JobID, item.SequenceNumber); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.skipItem(item)
			return false
		}
		return w.failItem(ctx, item, &domain.ItemStoreError{SequenceNumber: item.SequenceNumber, Err: err})
	}

	results := make([]string, len(item.SourceRefs))
	for i, sourceRef := range item.SourceRefs {
		resultRef, err := w.transformer.Transform(ctx, sourceRef)
		if err != nil {
			level := slog.LevelWarn
			var fetchErr *domain.FetchError
			var transformErr *domain.TransformError
			if !errors.As(err, &fetchErr) && !errors.As(err, &transformErr) {
				level = slog.LevelError
			}
			w.logger.Log(ctx, level, "Failed to process source reference",
				slog.String("job_id", item.JobID),
				slog.Int("sequence_number", item.SequenceNumber),
				slog.String("source_ref", sourceRef),
				slog.Any("error", err),
			)
			continue
		}
		results[i] = resultRef
	}

	if err := w.store.CompleteItem(ctx, item.JobID, item.SequenceNumber, results); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.skipItem(item)
			return false
		}
		return w.failItem(ctx, item, &domain.ItemStoreError{SequenceNumber: item.SequenceNumber, Err: err})
	}

	w.countItem(domain.ItemStatusCompleted)
	return true
}

func (w *Worker) skipItem(item domain.LineItem) {
	w.logger.Info("Line item finished by another delivery, skipping",
		slog.String("job_id", item.JobID),
		slog.Int("sequence_number", item.SequenceNumber),
	)
}

// failItem records an item failure and reports whether the item should be
// counted as processed by this delivery
func (w *Worker) failItem(ctx context.Context, item domain.LineItem, cause error) bool {
	w.logger.Error("Line item failed",
		slog.String("job_id", item.JobID),
		slog.Int("sequence_number", item.SequenceNumber),
		slog.Any("error", cause),
	)
	if err := w.store.FailItem(ctx, item.JobID, item.SequenceNumber, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.skipItem(item)
			return false
		}
		w.logger.Error("Failed to record line item failure",
			slog.String("job_id", item.JobID),
			slog.Int("sequence_number", item.SequenceNumber),
			slog.Any("error", err),
		)
	}
	w.countItem(domain.ItemStatusFailed)
	return true
}

// settleJobError handles a job-level error. A guard rejection caused by a
// concurrent delivery that already settled the job resolves to that
// delivery's outcome; anything else fails the job.
func (w *Worker) settleJobError(ctx context.Context, jobID string, cause error) error {
	if errors.Is(cause, domain.ErrInvalidTransition) {
		current, err := w.store.GetJob(ctx, jobID)
		if err == nil {
			if done, guardErr := w.checkTerminal(current); done {
				return guardErr
			}
		}
	}
	return w.failJob(ctx, jobID, cause)
}

// failJob records a job-level failure and returns it as retryable
func (w *Worker) failJob(ctx context.Context, jobID string, cause error) error {
	w.logger.Error("Job processing failed",
		slog.String("job_id", jobID),
		slog.Any("error", cause),
	)

	if err := w.store.FailJob(ctx, jobID, cause.Error()); err != nil {
		w.logger.Error("Failed to update job status to FAILED",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	} else if w.metrics != nil {
		w.metrics.JobsFinished.WithLabelValues(string(domain.JobStatusFailed)).Inc()
	}

	return domain.NewRetryableError(fmt.Errorf("process job %s: %w", jobID, cause))
}

func (w *Worker) countItem(status domain.ItemStatus) {
	if w.metrics != nil {
		w.metrics.ItemsProcessed.WithLabelValues(string(status)).Inc()
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	if w.heartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.TouchHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
