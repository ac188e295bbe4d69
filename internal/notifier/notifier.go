// Package notifier delivers a best-effort completion webhook for finished jobs.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// JobReader loads the job summary and records the notification outcome
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListLineItems(ctx context.Context, jobID string) ([]domain.LineItem, error)
	SetNotificationStatus(ctx context.Context, jobID string, status domain.NotificationStatus) error
}

// Config holds webhook settings
type Config struct {
	Enabled bool
	URL     string
	Timeout time.Duration
}

// Payload is the JSON body posted to the webhook
type Payload struct {
	JobID          string        `json:"job_id"`
	Status         string        `json:"status"`
	TotalItems     int           `json:"total_items"`
	ProcessedItems int           `json:"processed_items"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Items          []ItemPayload `json:"items"`
}

// ItemPayload is one line item in the webhook body
type ItemPayload struct {
	SequenceNumber int      `json:"sequence_number"`
	ProductName    string   `json:"product_name"`
	SourceRefs     []string `json:"source_refs"`
	ResultRefs     []string `json:"result_refs"`
	ItemStatus     string   `json:"item_status"`
}

// Notifier posts the job summary to the configured webhook
type Notifier struct {
	cfg     Config
	jobs    JobReader
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Notifier. m may be nil.
func New(cfg Config, jobs JobReader, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Notifier{
		cfg:     cfg,
		jobs:    jobs,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: m,
		logger:  logger,
	}
}

// Notify delivers the completion webhook for jobID and records the outcome
// as the job's notification status. It reports whether delivery succeeded
// and never fails the caller.
func (n *Notifier) Notify(ctx context.Context, jobID string) bool {
	status := n.deliver(ctx, jobID)

	if err := n.jobs.SetNotificationStatus(ctx, jobID, status); err != nil {
		n.logger.Error("Failed to record notification status",
			slog.String("job_id", jobID),
			slog.String("notification_status", string(status)),
			slog.Any("error", err),
		)
	}
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues(string(status)).Inc()
	}

	return status == domain.NotificationSent
}

func (n *Notifier) deliver(ctx context.Context, jobID string) domain.NotificationStatus {
	if !n.cfg.Enabled || n.cfg.URL == "" {
		n.logger.Info("Webhook not configured, skipping notification",
			slog.String("job_id", jobID),
		)
		return domain.NotificationNotConfigured
	}

	payload, err := n.buildPayload(ctx, jobID)
	if err != nil {
		n.logger.Error("Failed to build webhook payload",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return domain.NotificationFailed
	}

	if err := n.post(ctx, payload); err != nil {
		n.logger.Error("Webhook delivery failed",
			slog.String("job_id", jobID),
			slog.String("url", n.cfg.URL),
			slog.Any("error", err),
		)
		return domain.NotificationFailed
	}

	n.logger.Info("Webhook delivered",
		slog.String("job_id", jobID),
		slog.String("url", n.cfg.URL),
	)
	return domain.NotificationSent
}

func (n *Notifier) buildPayload(ctx context.Context, jobID string) (*Payload, error) {
	job, err := n.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	items, err := n.jobs.ListLineItems(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}

	payload := &Payload{
		JobID:          job.JobID,
		Status:         string(job.Status),
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		CompletedAt:    job.CompletedAt,
		Items:          make([]ItemPayload, 0, len(items)),
	}
	for _, item := range items {
		payload.Items = append(payload.Items, ItemPayload{
			SequenceNumber: item.SequenceNumber,
			ProductName:    item.ProductName,
			SourceRefs:     nonNil(item.SourceRefs),
			ResultRefs:     nonNil(item.ResultRefs),
			ItemStatus:     string(item.ItemStatus),
		})
	}
	return payload, nil
}

func (n *Notifier) post(ctx context.Context, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func nonNil(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
