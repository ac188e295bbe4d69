package dto

import (
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
)

type CreateJobRequest struct {
	SourceName string            `json:"source_name"`
	Items      []LineItemRequest `json:"items" binding:"required,min=1,dive"`
}

type LineItemRequest struct {
	SequenceNumber int      `json:"sequence_number" binding:"required,gt=0"`
	ProductName    string   `json:"product_name" binding:"required"`
	SourceRefs     []string `json:"source_refs" binding:"required,min=1,dive,required,url"`
}

type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	Status   string `form:"status" binding:"omitempty,oneof=pending processing completed failed"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID              string  `json:"job_id"`
	SourceName         *string `json:"source_name,omitempty"`
	Status             string  `json:"status"`
	Progress           int     `json:"progress"`
	TotalItems         int     `json:"total_items"`
	ProcessedItems     int     `json:"processed_items"`
	ErrorMessage       *string `json:"error_message,omitempty"`
	NotificationStatus string  `json:"notification_status"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
	CompletedAt        string  `json:"completed_at,omitempty"`
}

// JobStatusResponse is a job with its line items counted by status
type JobStatusResponse struct {
	JobDTO
	ItemCounts map[string]int `json:"item_counts"`
}

type LineItemDTO struct {
	SequenceNumber int      `json:"sequence_number"`
	ProductName    string   `json:"product_name"`
	SourceRefs     []string `json:"source_refs"`
	ResultRefs     []string `json:"result_refs"`
	ItemStatus     string   `json:"item_status"`
	ErrorDetails   *string  `json:"error_details,omitempty"`
}

type JobResultsResponse struct {
	JobID  string        `json:"job_id"`
	Status string        `json:"status"`
	Items  []LineItemDTO `json:"items"`
}

type QueueHistoryRequest struct {
	Event string `form:"event" binding:"omitempty,oneof=completed failed dead stalled"`
	Limit int    `form:"limit"`
}

// NewJobDTO converts a stored job into its API representation
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:              job.JobID,
		SourceName:         job.SourceName,
		Status:             string(job.Status),
		Progress:           job.Progress,
		TotalItems:         job.TotalItems,
		ProcessedItems:     job.ProcessedItems,
		ErrorMessage:       job.ErrorMessage,
		NotificationStatus: string(job.NotificationStatus),
		CreatedAt:          job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          job.UpdatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}

// NewLineItemDTO converts a stored line item into its API representation
func NewLineItemDTO(item *domain.LineItem) LineItemDTO {
	return LineItemDTO{
		SequenceNumber: item.SequenceNumber,
		ProductName:    item.ProductName,
		SourceRefs:     nonNil(item.SourceRefs),
		ResultRefs:     nonNil(item.ResultRefs),
		ItemStatus:     string(item.ItemStatus),
		ErrorDetails:   item.ErrorDetails,
	}
}

func nonNil(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
