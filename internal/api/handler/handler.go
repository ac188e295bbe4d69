package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/internal/queue"
	"github.com/cuongbtq/image-batch/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// JobStore is the persistence used by the HTTP handlers
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job, items []domain.LineItem) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error)
	ListLineItems(ctx context.Context, jobID string) ([]domain.LineItem, error)
	ItemStatusCounts(ctx context.Context, jobID string) (map[domain.ItemStatus]int, error)
	FailJob(ctx context.Context, jobID, errorMsg string) error
}

// QueueHistory returns recent queue events
type QueueHistory interface {
	Recent(ctx context.Context, event string, limit int) ([]queue.HistoryEntry, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Store        JobStore
	Queue        queue.Queue
	QueueOptions queue.Options
	// History is optional; nil disables the queue history endpoint
	History QueueHistory
	// Health reports backing store reachability for GET /health
	Health func(ctx context.Context) error
	// Gatherer backs GET /metrics; nil uses the default registry
	Gatherer    prometheus.Gatherer
	OutputDir   string
	Environment string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	store        JobStore
	queue        queue.Queue
	queueOptions queue.Options
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:       deps.Logger,
		store:        deps.Store,
		queue:        deps.Queue,
		queueOptions: deps.QueueOptions,
	}
}
