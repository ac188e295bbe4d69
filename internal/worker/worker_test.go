package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/internal/metrics"
	"github.com/cuongbtq/image-batch/internal/queue"
	"github.com/cuongbtq/image-batch/shared/logger"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jobA = "0b5c8a52-7f5e-4d7e-9a36-1d4f0c2a6e01"
	jobB = "3d0e8f1a-2b4c-4e6d-8f9a-0b1c2d3e4f50"
)

type harness struct {
	store       *memStore
	transformer *fakeTransformer
	notifier    *fakeNotifier
	metrics     *metrics.Metrics
	worker      *Worker
}

func newHarness(t *testing.T, q queue.Queue) *harness {
	t.Helper()
	h := &harness{
		store:       newMemStore(),
		transformer: newFakeTransformer(),
		notifier:    &fakeNotifier{},
		metrics:     metrics.New(prometheus.NewRegistry()),
	}
	h.worker = NewWorker(&Config{
		Logger:      logger.NewDiscard(),
		Store:       h.store,
		Queue:       q,
		Transformer: h.transformer,
		Notifier:    h.notifier,
		Metrics:     h.metrics,
		WorkerID:    "test-worker",
		Concurrency: 2,
	})
	return h
}

func item(seq int, name string, refs ...string) domain.LineItem {
	return domain.LineItem{
		SequenceNumber: seq,
		ProductName:    name,
		SourceRefs:     pq.StringArray(refs),
	}
}

func (h *harness) threeItemJob(jobID string) {
	h.store.addJob(jobID, domain.JobStatusPending,
		item(1, "SKU1", "in/1a", "in/1b"),
		item(2, "SKU2", "in/2a", "in/2b"),
		item(3, "SKU3", "in/3a"),
	)
	for _, ref := range []string{"in/1a", "in/1b", "in/2a", "in/3a"} {
		h.transformer.results[ref] = "out/" + ref[3:]
	}
}

func TestProcessJob_CompletesWithOrderedResults(t *testing.T) {
	h := newHarness(t, nil)
	h.threeItemJob(jobA)
	h.transformer.errs["in/2b"] = &domain.TransformError{SourceRef: "in/2b", Err: errors.New("corrupt jpeg")}

	require.NoError(t, h.worker.processJob(t.Context(), jobA))

	assert.Equal(t, []string{"in/1a", "in/1b", "in/2a", "in/2b", "in/3a"}, h.transformer.callLog())

	items := h.store.lineItems(jobA)
	require.Len(t, items, 3)
	assert.Equal(t, pq.StringArray{"out/1a", "out/1b"}, items[0].ResultRefs)
	assert.Equal(t, pq.StringArray{"out/2a", ""}, items[1].ResultRefs)
	assert.Equal(t, pq.StringArray{"out/3a"}, items[2].ResultRefs)
	for _, it := range items {
		assert.Equal(t, domain.ItemStatusCompleted, it.ItemStatus)
		assert.Len(t, it.ResultRefs, len(it.SourceRefs))
	}

	job := h.store.job(jobA)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 3, job.ProcessedItems)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.ErrorMessage)

	assert.Equal(t, []int{33, 66, 100}, h.store.progress)
	assert.Equal(t, []string{jobA}, h.notifier.notified())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.JobsFinished.WithLabelValues("completed")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.ItemsProcessed.WithLabelValues("completed")), 0)
}

func TestProcessJob_AllReferencesFailing(t *testing.T) {
	h := newHarness(t, nil)
	h.store.addJob(jobA, domain.JobStatusPending, item(1, "SKU1", "in/missing1", "in/missing2"))

	require.NoError(t, h.worker.processJob(t.Context(), jobA))

	items := h.store.lineItems(jobA)
	assert.Equal(t, domain.ItemStatusCompleted, items[0].ItemStatus)
	assert.Equal(t, pq.StringArray{"", ""}, items[0].ResultRefs)
	assert.Equal(t, domain.JobStatusCompleted, h.store.job(jobA).Status)
}

func TestProcessJob_ItemStoreErrorFailsOnlyThatItem(t *testing.T) {
	h := newHarness(t, nil)
	h.threeItemJob(jobA)
	h.store.completeItemErr[2] = errors.New("row lock timeout")

	require.NoError(t, h.worker.processJob(t.Context(), jobA))

	items := h.store.lineItems(jobA)
	assert.Equal(t, domain.ItemStatusCompleted, items[0].ItemStatus)
	assert.Equal(t, domain.ItemStatusFailed, items[1].ItemStatus)
	require.NotNil(t, items[1].ErrorDetails)
	assert.Contains(t, *items[1].ErrorDetails, "row lock timeout")
	assert.Equal(t, domain.ItemStatusCompleted, items[2].ItemStatus)

	job := h.store.job(jobA)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.ProcessedItems)
	assert.Equal(t, 100, job.Progress)
}

func TestProcessJob_IdempotenceGuard(t *testing.T) {
	t.Run("completed job is a no-op", func(t *testing.T) {
		h := newHarness(t, nil)
		h.threeItemJob(jobA)
		require.NoError(t, h.worker.processJob(t.Context(), jobA))

		before := h.store.job(jobA)
		require.NoError(t, h.worker.processJob(t.Context(), jobA))

		assert.Equal(t, before, h.store.job(jobA))
		assert.Len(t, h.transformer.callLog(), 5)
		assert.Len(t, h.notifier.notified(), 1)
	})

	t.Run("failed job is not reprocessed", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.addJob(jobA, domain.JobStatusFailed, item(1, "SKU1", "in/1a"))

		err := h.worker.processJob(t.Context(), jobA)
		require.ErrorIs(t, err, domain.ErrJobAlreadyFailed)
		assert.False(t, h.worker.shouldRetry(err))
		assert.Empty(t, h.transformer.callLog())
		assert.Empty(t, h.notifier.notified())
	})

	t.Run("unknown job", func(t *testing.T) {
		h := newHarness(t, nil)
		err := h.worker.processJob(t.Context(), jobB)
		require.ErrorIs(t, err, domain.ErrJobNotFound)
		assert.False(t, h.worker.shouldRetry(err))
	})
}

func TestProcessJob_ResumesWithoutDoubleCounting(t *testing.T) {
	h := newHarness(t, nil)
	h.threeItemJob(jobA)

	// first item finished by an earlier attempt that died before completing the job
	h.store.mu.Lock()
	h.store.jobs[jobA].Status = domain.JobStatusProcessing
	h.store.jobs[jobA].ProcessedItems = 1
	h.store.jobs[jobA].Progress = 33
	h.store.items[jobA][0].ItemStatus = domain.ItemStatusCompleted
	h.store.items[jobA][0].ResultRefs = pq.StringArray{"out/1a", "out/1b"}
	h.store.mu.Unlock()

	require.NoError(t, h.worker.processJob(t.Context(), jobA))

	assert.Equal(t, []string{"in/2a", "in/2b", "in/3a"}, h.transformer.callLog())
	assert.Equal(t, []int{66, 100}, h.store.progress)

	job := h.store.job(jobA)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.ProcessedItems)
}

func TestProcessJob_JobLevelFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.threeItemJob(jobA)
	h.store.incrementErr = errors.New("connection refused")

	err := h.worker.processJob(t.Context(), jobA)
	require.Error(t, err)
	assert.True(t, h.worker.shouldRetry(err))

	var storeErr *domain.JobStoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "increment progress", storeErr.Op)

	job := h.store.job(jobA)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "connection refused")
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, h.notifier.notified())
}

func TestProcessJob_UntypedTransformerErrorIsAbsorbed(t *testing.T) {
	h := newHarness(t, nil)
	h.store.addJob(jobA, domain.JobStatusPending, item(1, "SKU1", "in/1a", "in/1b"))
	h.transformer.errs["in/1a"] = errors.New("disk full")
	h.transformer.results["in/1b"] = "out/1b"

	require.NoError(t, h.worker.processJob(t.Context(), jobA))

	assert.Equal(t, domain.JobStatusCompleted, h.store.job(jobA).Status)
	items := h.store.lineItems(jobA)
	assert.Equal(t, domain.ItemStatusCompleted, items[0].ItemStatus)
	assert.Equal(t, []string{"", "out/1b"}, []string(items[0].ResultRefs))
}

func TestProcessJob_ConcurrentDeliveriesCountEachItemOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.store.addJob(jobA, domain.JobStatusPending,
		item(1, "SKU1", "in/1a"),
		item(2, "SKU2", "in/2a"),
		item(3, "SKU3", "in/3a"),
		item(4, "SKU4", "in/4a"),
	)
	for _, ref := range []string{"in/1a", "in/2a", "in/3a", "in/4a"} {
		h.transformer.results[ref] = "out/" + ref[3:]
	}
	h.transformer.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.worker.processJob(t.Context(), jobA)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	job := h.store.job(jobA)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 4, job.ProcessedItems)
	assert.Equal(t, 100, job.Progress)

	// one checkpoint per item at most, never repeating a value
	h.store.mu.Lock()
	progress := append([]int(nil), h.store.progress...)
	h.store.mu.Unlock()
	assert.LessOrEqual(t, len(progress), 4)
	assert.IsIncreasing(t, progress)

	for _, it := range h.store.lineItems(jobA) {
		assert.Equal(t, domain.ItemStatusCompleted, it.ItemStatus)
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.ItemsProcessed.WithLabelValues(string(domain.ItemStatusCompleted))))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ItemsProcessed.WithLabelValues(string(domain.ItemStatusFailed))))
	assert.Len(t, h.notifier.notified(), 1)
}

func TestProcessJob_Heartbeat(t *testing.T) {
	h := newHarness(t, nil)
	h.worker.heartbeatInterval = 5 * time.Millisecond
	h.store.addJob(jobA, domain.JobStatusPending, item(1, "SKU1", "in/1a"))
	h.transformer.results["in/1a"] = "out/1a"
	h.transformer.delay = 50 * time.Millisecond

	require.NoError(t, h.worker.processJob(t.Context(), jobA))

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Positive(t, h.store.heartbeats)
}

func TestShouldRetry(t *testing.T) {
	w := newHarness(t, nil).worker
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable store error", domain.NewRetryableError(&domain.JobStoreError{Op: "load job", Err: cause}), true},
		{"already failed", fmt.Errorf("job x: %w", domain.ErrJobAlreadyFailed), false},
		{"not found", domain.ErrJobNotFound, false},
		{"invalid payload", fmt.Errorf("%w: bad", domain.ErrInvalidPayload), false},
		{"plain error", cause, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.shouldRetry(tt.err))
		})
	}
}

func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Start(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestWorker_EndToEndWithMemoryQueue(t *testing.T) {
	q := queue.NewMemoryQueue(16, nil)
	t.Cleanup(q.Close)

	h := newHarness(t, q)
	h.threeItemJob(jobA)
	h.store.addJob(jobB, domain.JobStatusPending, item(1, "SKU9", "in/9a"))
	h.transformer.results["in/9a"] = "out/9a"

	startWorker(t, h.worker)

	for _, id := range []string{jobA, jobB} {
		_, err := q.Enqueue(t.Context(), queue.Task{JobID: id}, queue.Options{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return q.Completed() == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.JobStatusCompleted, h.store.job(jobA).Status)
	assert.Equal(t, domain.JobStatusCompleted, h.store.job(jobB).Status)
	assert.ElementsMatch(t, []string{jobA, jobB}, h.notifier.notified())
	assert.Empty(t, q.Dead())
}

func TestWorker_InvalidPayloadIsDeadLettered(t *testing.T) {
	q := queue.NewMemoryQueue(16, nil)
	t.Cleanup(q.Close)

	h := newHarness(t, q)
	startWorker(t, h.worker)

	_, err := q.Enqueue(t.Context(), queue.Task{JobID: "not-a-uuid"}, queue.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Dead()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, q.Dead()[0].Err, domain.ErrInvalidPayload.Error())
	assert.Zero(t, h.store.getCalls)
}

func TestWorker_StoreOutageExhaustsAttempts(t *testing.T) {
	q := queue.NewMemoryQueue(16, nil)
	t.Cleanup(q.Close)

	h := newHarness(t, q)
	h.threeItemJob(jobA)
	h.store.getJobErr = errors.New("connection refused")

	startWorker(t, h.worker)

	opts := queue.Options{
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Type: queue.BackoffExponential, Delay: 10 * time.Millisecond},
	}
	taskID, err := q.Enqueue(t.Context(), queue.Task{JobID: jobA}, opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Dead()) == 1 }, 5*time.Second, 10*time.Millisecond)

	dead := q.Dead()[0]
	assert.Equal(t, taskID, dead.ID)
	assert.Equal(t, 3, dead.Attempt)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, q.RetryDelays(taskID))
	assert.Equal(t, 0, q.Completed())

	h.store.mu.Lock()
	assert.Equal(t, 3, h.store.getCalls)
	h.store.mu.Unlock()
	assert.Empty(t, h.transformer.callLog())
	assert.Empty(t, h.notifier.notified())
}

func TestWorker_FailedJobIsNotRetriedAfterFailure(t *testing.T) {
	q := queue.NewMemoryQueue(16, nil)
	t.Cleanup(q.Close)

	h := newHarness(t, q)
	h.threeItemJob(jobA)
	h.store.incrementErr = errors.New("connection refused")

	startWorker(t, h.worker)

	opts := queue.Options{
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Type: queue.BackoffExponential, Delay: 5 * time.Millisecond},
	}
	taskID, err := q.Enqueue(t.Context(), queue.Task{JobID: jobA}, opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Dead()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// first attempt fails the job, the redelivery hits the guard
	assert.Equal(t, 2, q.Dead()[0].Attempt)
	assert.Len(t, q.RetryDelays(taskID), 1)
	assert.Equal(t, domain.JobStatusFailed, h.store.job(jobA).Status)
	assert.Equal(t, []string{"in/1a", "in/1b"}, h.transformer.callLog())
	assert.Empty(t, h.notifier.notified())
}
