package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/image-batch/internal/api/dto"
	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/internal/queue"
	"github.com/cuongbtq/image-batch/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Persists the job with its line items and enqueues one task for it
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	seen := make(map[int]struct{}, len(req.Items))
	for _, item := range req.Items {
		if _, dup := seen[item.SequenceNumber]; dup {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("duplicate sequence_number %d", item.SequenceNumber),
			})
			return
		}
		seen[item.SequenceNumber] = struct{}{}
	}

	now := time.Now().UTC()
	job := domain.Job{
		JobID:              uuid.New().String(),
		Status:             domain.JobStatusPending,
		TotalItems:         len(req.Items),
		NotificationStatus: domain.NotificationPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if name := strings.TrimSpace(req.SourceName); name != "" {
		job.SourceName = &name
	}

	items := make([]domain.LineItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = domain.LineItem{
			JobID:          job.JobID,
			SequenceNumber: item.SequenceNumber,
			ProductName:    item.ProductName,
			SourceRefs:     item.SourceRefs,
			ItemStatus:     domain.ItemStatusPending,
		}
	}

	ctx := c.Request.Context()
	if err := h.store.CreateJob(ctx, &job, items); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	taskID, err := h.queue.Enqueue(ctx, queue.Task{JobID: job.JobID}, h.queueOptions)
	if err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		if failErr := h.store.FailJob(ctx, job.JobID, "failed to enqueue job: "+err.Error()); failErr != nil {
			h.logger.Error("Failed to mark job as failed",
				slog.String("job_id", job.JobID),
				slog.String("error", failErr.Error()),
			)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "Failed to enqueue job",
			"job_id": job.JobID,
		})
		return
	}

	h.logger.Info("Job accepted",
		slog.String("job_id", job.JobID),
		slog.String("task_id", taskID),
		slog.Int("total_items", job.TotalItems),
	)

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:  job.JobID,
		Status: string(job.Status),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job with its line items counted by status
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	counts, err := h.store.ItemStatusCounts(c.Request.Context(), job.JobID)
	if err != nil {
		h.logger.Error("Failed to count items", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	itemCounts := map[string]int{
		string(domain.ItemStatusPending):    0,
		string(domain.ItemStatusProcessing): 0,
		string(domain.ItemStatusCompleted):  0,
		string(domain.ItemStatusFailed):     0,
	}
	for status, n := range counts {
		itemCounts[string(status)] = n
	}

	c.JSON(http.StatusOK, dto.JobStatusResponse{
		JobDTO:     dto.NewJobDTO(job),
		ItemCounts: itemCounts,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional status filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), store.JobFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = dto.NewJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// GetJobResults handles GET /api/v1/jobs/:job_id/results
func (h *JobHandler) GetJobResults(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	items, err := h.store.ListLineItems(c.Request.Context(), job.JobID)
	if err != nil {
		h.logger.Error("Failed to list line items", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job results",
		})
		return
	}

	out := make([]dto.LineItemDTO, len(items))
	for i := range items {
		out[i] = dto.NewLineItemDTO(&items[i])
	}

	c.JSON(http.StatusOK, dto.JobResultsResponse{
		JobID:  job.JobID,
		Status: string(job.Status),
		Items:  out,
	})
}

// loadJob validates the job_id path parameter and fetches the job.
// It writes the error response itself and reports false when the caller should stop.
func (h *JobHandler) loadJob(c *gin.Context) (*domain.Job, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return nil, false
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return nil, false
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return nil, false
	}
	return job, true
}
