package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// History event names
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventDead      = "dead"
	EventStalled   = "stalled"
)

const defaultHistoryKey = "image_batch:queue"

// HistoryEntry is one recorded queue event
type HistoryEntry struct {
	TaskID  string    `json:"task_id"`
	JobID   string    `json:"job_id"`
	Event   string    `json:"event"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// History keeps the most recent queue events per event type in capped Redis lists
type History struct {
	client redis.Cmdable
	prefix string
	size   int64
}

// NewHistory creates a history store retaining size entries per event type
func NewHistory(client redis.Cmdable, prefix string, size int) *History {
	if prefix == "" {
		prefix = defaultHistoryKey
	}
	if size <= 0 {
		size = 100
	}
	return &History{
		client: client,
		prefix: prefix,
		size:   int64(size),
	}
}

func (h *History) key(event string) string {
	return h.prefix + ":" + event
}

// Record prepends an entry and trims the list to the configured size
func (h *History) Record(ctx context.Context, entry HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	key := h.key(entry.Event)
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, h.size-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record history entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for event, newest first
func (h *History) Recent(ctx context.Context, event string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || int64(limit) > h.size {
		limit = int(h.size)
	}

	raw, err := h.client.LRange(ctx, h.key(event), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
