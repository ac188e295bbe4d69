// Package queue provides at-least-once delivery of job tasks with bounded
// attempts, exponential backoff between redeliveries and a dead-letter sink.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadySettled is returned when a delivery is acked or nacked twice
var ErrAlreadySettled = errors.New("delivery already settled")

// Task is the payload delivered to a worker
type Task struct {
	JobID string `json:"job_id"`
}

// BackoffType selects how the redelivery delay grows
type BackoffType string

// Backoff types
const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// maxBackoffShift caps exponential growth so the shift cannot overflow
const maxBackoffShift = 20

// Backoff is the delay policy between delivery attempts
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// Duration returns the delay applied after the given failed attempt (1-based).
// Exponential backoff yields Delay, 2*Delay, 4*Delay, ...
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type == BackoffFixed {
		return b.Delay
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return b.Delay << uint(shift)
}

// Options controls delivery of one task
type Options struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultOptions is the policy used when none is given: 3 attempts,
// exponential backoff starting at 2s
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Backoff: Backoff{
			Type:  BackoffExponential,
			Delay: 2 * time.Second,
		},
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = def.Backoff.Type
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = def.Backoff.Delay
	}
	return o
}

// Queue is the work queue contract shared by every driver
type Queue interface {
	// Enqueue stores a task for delivery and returns its id
	Enqueue(ctx context.Context, task Task, opts Options) (string, error)
	// Consume streams deliveries until ctx is canceled
	Consume(ctx context.Context, consumerTag string) (<-chan *Delivery, error)
}

// Outcome describes how a nacked delivery was settled
type Outcome string

// Nack outcomes
const (
	OutcomeRetried Outcome = "retried"
	OutcomeDead    Outcome = "dead"
)

// settler is implemented by each driver to perform the broker-side settlement
type settler interface {
	ack(ctx context.Context, d *Delivery) error
	retry(ctx context.Context, d *Delivery, delay time.Duration) error
	dead(ctx context.Context, d *Delivery, cause error) error
	requeue(ctx context.Context, d *Delivery) error
}

// Delivery is one attempt at processing a task
type Delivery struct {
	ID          string
	Task        Task
	Body        []byte
	Attempt     int
	Options     Options
	Redelivered bool
	EnqueuedAt  time.Time

	settler settler
	events  Events
	mu      sync.Mutex
	settled bool
}

func (d *Delivery) markSettled() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

// AttemptsLeft reports whether a failed attempt may still be retried
func (d *Delivery) AttemptsLeft() bool {
	return d.Attempt < d.Options.MaxAttempts
}

// Ack marks the task as successfully processed
func (d *Delivery) Ack(ctx context.Context) error {
	if err := d.markSettled(); err != nil {
		return err
	}
	if err := d.settler.ack(ctx, d); err != nil {
		return fmt.Errorf("ack task %s: %w", d.ID, err)
	}
	d.events.Completed(ctx, d)
	return nil
}

// Nack reports a failed attempt. A retryable failure with attempts left is
// redelivered after the backoff delay; anything else goes to the dead sink.
func (d *Delivery) Nack(ctx context.Context, cause error, retryable bool) (Outcome, error) {
	if err := d.markSettled(); err != nil {
		return "", err
	}

	if retryable && d.AttemptsLeft() {
		delay := d.Options.Backoff.Duration(d.Attempt)
		if err := d.settler.retry(ctx, d, delay); err != nil {
			return "", fmt.Errorf("schedule retry for task %s: %w", d.ID, err)
		}
		d.events.Failed(ctx, d, cause, delay)
		return OutcomeRetried, nil
	}

	if err := d.settler.dead(ctx, d, cause); err != nil {
		return "", fmt.Errorf("dead-letter task %s: %w", d.ID, err)
	}
	d.events.Failed(ctx, d, cause, 0)
	d.events.Dead(ctx, d, cause)
	return OutcomeDead, nil
}

// Requeue hands the task back without consuming an attempt.
// Used when a worker shuts down before starting the task.
func (d *Delivery) Requeue(ctx context.Context) error {
	if err := d.markSettled(); err != nil {
		return err
	}
	return d.settler.requeue(ctx, d)
}
