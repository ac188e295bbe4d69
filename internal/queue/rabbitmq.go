package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message headers carrying the delivery policy across redeliveries
const (
	headerAttempt        = "x-attempt"
	headerMaxAttempts    = "x-max-attempts"
	headerBackoffType    = "x-backoff-type"
	headerBackoffDelayMS = "x-backoff-delay-ms"
)

// Broker is the subset of the RabbitMQ client used by the queue
type Broker interface {
	PublishWithRetry(ctx context.Context, msg amqp.Publishing) error
	PublishDelayed(ctx context.Context, msg amqp.Publishing, delay time.Duration) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// RabbitQueue delivers tasks through RabbitMQ. Retries are parked on a TTL
// queue and exhausted tasks are rejected into the dead-letter queue.
type RabbitQueue struct {
	broker Broker
	events Events
	logger *slog.Logger
}

// NewRabbitQueue creates a RabbitMQ backed queue
func NewRabbitQueue(broker Broker, events Events, logger *slog.Logger) *RabbitQueue {
	if events == nil {
		events = NopEvents{}
	}
	return &RabbitQueue{
		broker: broker,
		events: events,
		logger: logger,
	}
}

// Enqueue publishes a new task with attempt 1
func (q *RabbitQueue) Enqueue(ctx context.Context, task Task, opts Options) (string, error) {
	opts = opts.normalize()

	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	id := uuid.New().String()
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   id,
		Body:        body,
		Headers:     policyHeaders(1, opts),
	}

	if err := q.broker.PublishWithRetry(ctx, msg); err != nil {
		return "", fmt.Errorf("publish task: %w", err)
	}

	q.events.Enqueued(ctx, id, task)
	return id, nil
}

// Consume converts broker deliveries into queue deliveries until ctx is done
func (q *RabbitQueue) Consume(ctx context.Context, consumerTag string) (<-chan *Delivery, error) {
	msgs, err := q.broker.Consume(consumerTag)
	if err != nil {
		return nil, err
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					q.logger.Warn("RabbitMQ delivery channel closed")
					return
				}
				d := q.toDelivery(msg)
				if d.Redelivered {
					q.events.Stalled(ctx, d)
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// not handed to a worker; the broker redelivers it
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

func (q *RabbitQueue) toDelivery(msg amqp.Delivery) *Delivery {
	opts := Options{
		MaxAttempts: headerInt(msg.Headers, headerMaxAttempts, 0),
		Backoff: Backoff{
			Type:  BackoffType(headerString(msg.Headers, headerBackoffType)),
			Delay: time.Duration(headerInt(msg.Headers, headerBackoffDelayMS, 0)) * time.Millisecond,
		},
	}

	var task Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		q.logger.Warn("Malformed task payload",
			slog.String("message_id", msg.MessageId),
			slog.Any("error", err),
		)
	}

	id := msg.MessageId
	if id == "" {
		id = uuid.New().String()
	}

	return &Delivery{
		ID:          id,
		Task:        task,
		Body:        msg.Body,
		Attempt:     headerInt(msg.Headers, headerAttempt, 1),
		Options:     opts.normalize(),
		Redelivered: msg.Redelivered,
		EnqueuedAt:  msg.Timestamp,
		settler:     &rabbitSettler{broker: q.broker, msg: msg},
		events:      q.events,
	}
}

type rabbitSettler struct {
	broker Broker
	msg    amqp.Delivery
}

func (s *rabbitSettler) ack(_ context.Context, _ *Delivery) error {
	return s.msg.Ack(false)
}

// retry republishes the next attempt onto the delayed queue and acks the
// current one. When the republish fails the message is requeued as is.
func (s *rabbitSettler) retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	next := amqp.Publishing{
		ContentType: s.msg.ContentType,
		MessageId:   d.ID,
		Timestamp:   d.EnqueuedAt,
		Body:        d.Body,
		Headers:     policyHeaders(d.Attempt+1, d.Options),
	}

	if err := s.broker.PublishDelayed(ctx, next, delay); err != nil {
		if nackErr := s.msg.Nack(false, true); nackErr != nil {
			return fmt.Errorf("%w (requeue failed: %v)", err, nackErr)
		}
		return err
	}
	return s.msg.Ack(false)
}

// dead rejects without requeue; the main queue dead-letters into <queue>.dead
func (s *rabbitSettler) dead(_ context.Context, _ *Delivery, _ error) error {
	return s.msg.Nack(false, false)
}

func (s *rabbitSettler) requeue(_ context.Context, _ *Delivery) error {
	return s.msg.Nack(false, true)
}

func policyHeaders(attempt int, opts Options) amqp.Table {
	return amqp.Table{
		headerAttempt:        int32(attempt),
		headerMaxAttempts:    int32(opts.MaxAttempts),
		headerBackoffType:    string(opts.Backoff.Type),
		headerBackoffDelayMS: opts.Backoff.Delay.Milliseconds(),
	}
}

func headerInt(h amqp.Table, key string, def int) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func headerString(h amqp.Table, key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}
