package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/internal/metrics"
	"github.com/cuongbtq/image-batch/internal/queue"
	"github.com/google/uuid"
)

// JobStore is the persistence the worker drives jobs through
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	MarkJobProcessing(ctx context.Context, jobID string) (*domain.Job, error)
	ListLineItems(ctx context.Context, jobID string) ([]domain.LineItem, error)
	MarkItemProcessing(ctx context.Context, jobID string, seq int) error
	CompleteItem(ctx context.Context, jobID string, seq int, resultRefs []string) error
	FailItem(ctx context.Context, jobID string, seq int, details string) error
	IncrementProgress(ctx context.Context, jobID string) (domain.Progress, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, errorMsg string) error
	TouchHeartbeat(ctx context.Context, jobID string) error
}

// Transformer turns one source reference into one result reference
type Transformer interface {
	Transform(ctx context.Context, sourceRef string) (string, error)
}

// Notifier announces a completed job
type Notifier interface {
	Notify(ctx context.Context, jobID string) bool
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             JobStore
	Queue             queue.Queue
	Transformer       Transformer
	Notifier          Notifier
	Metrics           *metrics.Metrics
	WorkerID          string
	Concurrency       int
	HeartbeatInterval time.Duration
}

// Worker consumes job tasks and drives each job to a terminal state
type Worker struct {
	logger            *slog.Logger
	store             JobStore
	queue             queue.Queue
	transformer       Transformer
	notifier          Notifier
	metrics           *metrics.Metrics
	workerID          string
	concurrency       int
	heartbeatInterval time.Duration
	jobsChan          chan *queue.Delivery
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	return &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		queue:             cfg.Queue,
		transformer:       cfg.Transformer,
		notifier:          cfg.Notifier,
		metrics:           cfg.Metrics,
		workerID:          workerID,
		concurrency:       concurrency,
		heartbeatInterval: cfg.HeartbeatInterval,
		jobsChan:          make(chan *queue.Delivery),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes tasks until ctx is canceled, then waits for in-flight jobs
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
	)

	deliveries, err := w.queue.Consume(ctx, w.workerID)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.spawnWorkerPool(ctx)
	go w.startMessageDispatcher(ctx, deliveries)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	w.wg.Wait()
	return nil
}

// Stop signals the pool to stop taking new tasks and waits for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}
