// Package store persists jobs and their line items in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	job_id, source_name, status, progress, total_items, processed_items,
	error_message, notification_status, created_at, updated_at,
	completed_at, last_heartbeat_at`

const itemColumns = `
	job_id, sequence_number, product_name, source_refs, result_refs,
	item_status, error_details, created_at, updated_at`

// Store handles all database operations on jobs and line items
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a new Store
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last returned job
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// CreateJob inserts the job and all of its line items in one transaction
func (s *Store) CreateJob(ctx context.Context, job *domain.Job, items []domain.LineItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			job_id, source_name, status, progress, total_items,
			processed_items, notification_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		job.JobID,
		job.SourceName,
		job.Status,
		job.Progress,
		job.TotalItems,
		job.ProcessedItems,
		job.NotificationStatus,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO line_items (
				job_id, sequence_number, product_name, source_refs,
				result_refs, item_status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			job.JobID,
			item.SequenceNumber,
			item.ProductName,
			item.SourceRefs,
			pq.StringArray{},
			domain.ItemStatusPending,
			job.CreatedAt,
			job.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create line item %d: %w", item.SequenceNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.Int("total_items", job.TotalItems),
	)
	return nil
}

// GetJob retrieves a job by its ID
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns up to PageSize+1 jobs newest first so callers can detect a next page
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListLineItems returns the job's items ordered by sequence number
func (s *Store) ListLineItems(ctx context.Context, jobID string) ([]domain.LineItem, error) {
	query := `SELECT` + itemColumns + ` FROM line_items WHERE job_id = $1 ORDER BY sequence_number ASC`

	var items []domain.LineItem
	if err := s.db.SelectContext(ctx, &items, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	return items, nil
}

// ItemStatusCounts returns the number of line items per item status
func (s *Store) ItemStatusCounts(ctx context.Context, jobID string) (map[domain.ItemStatus]int, error) {
	var rows []struct {
		Status domain.ItemStatus `db:"item_status"`
		Count  int               `db:"count"`
	}
	query := `
		SELECT item_status, COUNT(*) AS count
		FROM line_items
		WHERE job_id = $1
		GROUP BY item_status
	`
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to count line items: %w", err)
	}

	counts := make(map[domain.ItemStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// MarkJobProcessing moves a pending or interrupted job to processing.
// Counters are re-derived from terminal item rows so a resumed job never
// counts an item twice and progress never goes backwards.
func (s *Store) MarkJobProcessing(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		WITH done AS (
			SELECT COUNT(*)::int AS n
			FROM line_items
			WHERE job_id = $1 AND item_status IN ($2, $3)
		)
		UPDATE jobs
		SET status = $4,
		    processed_items = GREATEST(jobs.processed_items, LEAST(done.n, jobs.total_items)),
		    progress = GREATEST(jobs.progress, CASE
		        WHEN jobs.total_items > 0 THEN LEAST(done.n, jobs.total_items) * 100 / jobs.total_items
		        ELSE 0
		    END),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		FROM done
		WHERE jobs.job_id = $1
		  AND jobs.status IN ($5, $4)
		RETURNING` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		jobID,
		domain.ItemStatusCompleted,
		domain.ItemStatusFailed,
		domain.JobStatusProcessing,
		domain.JobStatusPending,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.transitionError(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to mark job processing: %w", err)
	}

	s.logger.Info("Job processing",
		slog.String("job_id", jobID),
		slog.Int("processed_items", job.ProcessedItems),
		slog.Int("total_items", job.TotalItems),
	)
	return &job, nil
}

// MarkItemProcessing moves a pending item to processing
func (s *Store) MarkItemProcessing(ctx context.Context, jobID string, seq int) error {
	query := `
		UPDATE line_items
		SET item_status = $1, updated_at = NOW()
		WHERE job_id = $2 AND sequence_number = $3
		  AND item_status IN ($4, $1)
	`
	return s.execGuarded(ctx, "mark item processing", query,
		domain.ItemStatusProcessing, jobID, seq, domain.ItemStatusPending)
}

// CompleteItem stores the result references and marks the item completed
func (s *Store) CompleteItem(ctx context.Context, jobID string, seq int, resultRefs []string) error {
	query := `
		UPDATE line_items
		SET item_status = $1,
		    result_refs = $2,
		    error_details = NULL,
		    updated_at = NOW()
		WHERE job_id = $3 AND sequence_number = $4
		  AND item_status IN ($5, $6)
	`
	return s.execGuarded(ctx, "complete item", query,
		domain.ItemStatusCompleted, pq.StringArray(resultRefs), jobID, seq,
		domain.ItemStatusPending, domain.ItemStatusProcessing)
}

// FailItem marks the item failed with details
func (s *Store) FailItem(ctx context.Context, jobID string, seq int, details string) error {
	query := `
		UPDATE line_items
		SET item_status = $1,
		    error_details = $2,
		    updated_at = NOW()
		WHERE job_id = $3 AND sequence_number = $4
		  AND item_status IN ($5, $6)
	`
	return s.execGuarded(ctx, "fail item", query,
		domain.ItemStatusFailed, details, jobID, seq,
		domain.ItemStatusPending, domain.ItemStatusProcessing)
}

// IncrementProgress atomically counts one more finished item and recomputes
// progress as floor(processed * 100 / total)
func (s *Store) IncrementProgress(ctx context.Context, jobID string) (domain.Progress, error) {
	query := `
		UPDATE jobs
		SET processed_items = LEAST(processed_items + 1, total_items),
		    progress = GREATEST(progress, CASE
		        WHEN total_items > 0 THEN LEAST(processed_items + 1, total_items) * 100 / total_items
		        ELSE 0
		    END),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
		RETURNING processed_items, total_items, progress
	`

	var p domain.Progress
	if err := s.db.GetContext(ctx, &p, query, jobID, domain.JobStatusProcessing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, s.transitionError(ctx, jobID)
		}
		return p, fmt.Errorf("failed to increment progress: %w", err)
	}
	return p, nil
}

// CompleteJob marks a processing job completed with full progress
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    progress = 100,
		    processed_items = total_items,
		    completed_at = COALESCE(completed_at, NOW()),
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`
	if err := s.execGuarded(ctx, "complete job", query,
		domain.JobStatusCompleted, jobID, domain.JobStatusProcessing); err != nil {
		return err
	}

	s.logger.Info("Job completed", slog.String("job_id", jobID))
	return nil
}

// FailJob marks a non-terminal job failed with an error message
func (s *Store) FailJob(ctx context.Context, jobID, errorMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = COALESCE(completed_at, NOW()),
		    updated_at = NOW()
		WHERE job_id = $3 AND status IN ($4, $5)
	`
	if err := s.execGuarded(ctx, "fail job", query,
		domain.JobStatusFailed, errorMsg, jobID,
		domain.JobStatusPending, domain.JobStatusProcessing); err != nil {
		return err
	}

	s.logger.Warn("Job failed",
		slog.String("job_id", jobID),
		slog.String("error", errorMsg),
	)
	return nil
}

// TouchHeartbeat updates last_heartbeat_at for a processing job
func (s *Store) TouchHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", jobID),
		)
	}
	return nil
}

// SetNotificationStatus records the webhook outcome. Job status is untouched.
func (s *Store) SetNotificationStatus(ctx context.Context, jobID string, status domain.NotificationStatus) error {
	query := `
		UPDATE jobs
		SET notification_status = $1,
		    updated_at = NOW()
		WHERE job_id = $2
	`
	return s.execGuarded(ctx, "set notification status", query, status, jobID)
}

// execGuarded runs a guarded UPDATE and maps zero affected rows to a
// not-found or transition error
func (s *Store) execGuarded(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrInvalidTransition)
	}
	return nil
}

// transitionError tells a missing job apart from one in the wrong state
func (s *Store) transitionError(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	s.logger.Warn("Job status transition rejected",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)
	return fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
}
