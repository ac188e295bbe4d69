package domain

import (
	"time"

	"github.com/lib/pq"
)

// Job is one submitted batch with its aggregate progress
type Job struct {
	JobID              string             `db:"job_id"`
	SourceName         *string            `db:"source_name"`
	Status             JobStatus          `db:"status"`
	Progress           int                `db:"progress"`
	TotalItems         int                `db:"total_items"`
	ProcessedItems     int                `db:"processed_items"`
	ErrorMessage       *string            `db:"error_message"`
	NotificationStatus NotificationStatus `db:"notification_status"`
	CreatedAt          time.Time          `db:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at"`
	CompletedAt        *time.Time         `db:"completed_at"`
	LastHeartbeatAt    *time.Time         `db:"last_heartbeat_at"`
}

// LineItem is one product row of a job.
// ResultRefs is positionally aligned with SourceRefs; a failed reference
// leaves an empty string at its index.
type LineItem struct {
	JobID          string         `db:"job_id"`
	SequenceNumber int            `db:"sequence_number"`
	ProductName    string         `db:"product_name"`
	SourceRefs     pq.StringArray `db:"source_refs"`
	ResultRefs     pq.StringArray `db:"result_refs"`
	ItemStatus     ItemStatus     `db:"item_status"`
	ErrorDetails   *string        `db:"error_details"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Progress is the aggregate counter snapshot written after each item
type Progress struct {
	ProcessedItems int `db:"processed_items"`
	TotalItems     int `db:"total_items"`
	Progress       int `db:"progress"`
}

// TaskMessage is the queue payload referencing a job
type TaskMessage struct {
	JobID string `json:"job_id"`
}
