package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/image-batch/internal/metrics"
	"github.com/cuongbtq/image-batch/shared/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestHistory_RecordTrimsToSize(t *testing.T) {
	mr, client := newTestRedis(t)
	h := NewHistory(client, "test:queue", 3)

	for i := range 5 {
		err := h.Record(t.Context(), HistoryEntry{
			TaskID: fmt.Sprintf("task-%d", i),
			Event:  EventCompleted,
			At:     time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	items, err := mr.List("test:queue:completed")
	require.NoError(t, err)
	assert.Len(t, items, 3)

	recent, err := h.Recent(t.Context(), EventCompleted, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "task-4", recent[0].TaskID)
	assert.Equal(t, "task-2", recent[2].TaskID)

	limited, err := h.Recent(t.Context(), EventCompleted, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "task-4", limited[0].TaskID)
}

func TestHistory_EventsAreKeptSeparately(t *testing.T) {
	_, client := newTestRedis(t)
	h := NewHistory(client, "", 10)

	require.NoError(t, h.Record(t.Context(), HistoryEntry{TaskID: "a", Event: EventCompleted}))
	require.NoError(t, h.Record(t.Context(), HistoryEntry{TaskID: "b", Event: EventFailed, Error: "boom"}))

	failed, err := h.Recent(t.Context(), EventFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].TaskID)
	assert.Equal(t, "boom", failed[0].Error)

	stalled, err := h.Recent(t.Context(), EventStalled, 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)
}

func TestMonitor_CountsAndRecords(t *testing.T) {
	_, client := newTestRedis(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := NewHistory(client, "test:queue", 10)
	mon := NewMonitor(logger.NewDiscard(), m, h, "memory")

	q := NewMemoryQueue(4, mon)
	t.Cleanup(q.Close)

	_, err := q.Enqueue(t.Context(), Task{JobID: "job-1"}, Options{MaxAttempts: 1})
	require.NoError(t, err)

	ch, err := q.Consume(t.Context(), "test")
	require.NoError(t, err)
	d := receive(t, ch)

	_, err = d.Nack(t.Context(), errors.New("boom"), true)
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.TasksEnqueued.WithLabelValues("memory")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.QueueEvents.WithLabelValues(EventFailed)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.QueueEvents.WithLabelValues(EventDead)), 0)

	dead, err := h.Recent(t.Context(), EventDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-1", dead[0].JobID)
	assert.Equal(t, "boom", dead[0].Error)
}

func TestMonitor_HistoryFailureDoesNotPanic(t *testing.T) {
	mr, client := newTestRedis(t)
	mon := NewMonitor(logger.NewDiscard(), nil, NewHistory(client, "x", 10), "rabbitmq")
	mr.Close()

	d := &Delivery{ID: "task-1", Task: Task{JobID: "job-1"}, Attempt: 1}
	assert.NotPanics(t, func() {
		mon.Completed(t.Context(), d)
		mon.Stalled(t.Context(), d)
	})
}
