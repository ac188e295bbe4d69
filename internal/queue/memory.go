package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned when enqueueing onto a closed in-process queue
var ErrQueueClosed = errors.New("queue closed")

const defaultMemoryBuffer = 1024

// DeadTask is a task that ended in the in-process failure sink
type DeadTask struct {
	ID      string
	Task    Task
	Attempt int
	Err     string
}

// MemoryQueue is an in-process queue used when the worker runs embedded in
// the API process. Tasks do not survive a restart.
type MemoryQueue struct {
	events  Events
	ready   chan *Delivery
	closed  chan struct{}
	closeMu sync.Once

	mu        sync.Mutex
	timers    map[*time.Timer]struct{}
	deadTasks []DeadTask
	delays    map[string][]time.Duration
	completed int
}

// NewMemoryQueue creates an in-process queue holding up to buffer ready tasks
func NewMemoryQueue(buffer int, events Events) *MemoryQueue {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	if events == nil {
		events = NopEvents{}
	}
	return &MemoryQueue{
		events: events,
		ready:  make(chan *Delivery, buffer),
		closed: make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
		delays: make(map[string][]time.Duration),
	}
}

// Enqueue adds a task with attempt 1
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task, opts Options) (string, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	d := &Delivery{
		ID:         uuid.New().String(),
		Task:       task,
		Body:       body,
		Attempt:    1,
		Options:    opts.normalize(),
		EnqueuedAt: time.Now().UTC(),
	}

	if err := q.push(ctx, d); err != nil {
		return "", err
	}

	q.events.Enqueued(ctx, d.ID, task)
	return d.ID, nil
}

func (q *MemoryQueue) push(ctx context.Context, d *Delivery) error {
	d.settler = q
	d.events = q.events

	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ready <- d:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume streams ready tasks until ctx is canceled or the queue is closed
func (q *MemoryQueue) Consume(ctx context.Context, _ string) (<-chan *Delivery, error) {
	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			case d := <-q.ready:
				if d.Redelivered {
					q.events.Stalled(ctx, d)
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// put it back for the next consumer
					_ = q.push(context.Background(), d)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops pending redelivery timers and all consumers
func (q *MemoryQueue) Close() {
	q.closeMu.Do(func() {
		close(q.closed)
		q.mu.Lock()
		for t := range q.timers {
			t.Stop()
		}
		q.timers = make(map[*time.Timer]struct{})
		q.mu.Unlock()
	})
}

// Dead returns a snapshot of the failure sink
func (q *MemoryQueue) Dead() []DeadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadTask, len(q.deadTasks))
	copy(out, q.deadTasks)
	return out
}

// RetryDelays returns the backoff delays scheduled for a task, in order
func (q *MemoryQueue) RetryDelays(taskID string) []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]time.Duration, len(q.delays[taskID]))
	copy(out, q.delays[taskID])
	return out
}

// Completed returns the number of acked tasks
func (q *MemoryQueue) Completed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

func (q *MemoryQueue) ack(_ context.Context, _ *Delivery) error {
	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) retry(_ context.Context, d *Delivery, delay time.Duration) error {
	next := &Delivery{
		ID:         d.ID,
		Task:       d.Task,
		Body:       d.Body,
		Attempt:    d.Attempt + 1,
		Options:    d.Options,
		EnqueuedAt: d.EnqueuedAt,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	q.delays[d.ID] = append(q.delays[d.ID], delay)

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		_ = q.push(context.Background(), next)
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *MemoryQueue) dead(_ context.Context, d *Delivery, cause error) error {
	entry := DeadTask{
		ID:      d.ID,
		Task:    d.Task,
		Attempt: d.Attempt,
	}
	if cause != nil {
		entry.Err = cause.Error()
	}

	q.mu.Lock()
	q.deadTasks = append(q.deadTasks, entry)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) requeue(ctx context.Context, d *Delivery) error {
	next := &Delivery{
		ID:          d.ID,
		Task:        d.Task,
		Body:        d.Body,
		Attempt:     d.Attempt,
		Options:     d.Options,
		Redelivered: true,
		EnqueuedAt:  d.EnqueuedAt,
	}
	return q.push(ctx, next)
}
