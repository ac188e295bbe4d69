package handler

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/gin-gonic/gin"
)

var csvHeader = []string{"S. No.", "Product Name", "Input Image Urls", "Output Image Urls"}

// refSeparator joins multiple references inside one CSV cell
const refSeparator = ", "

// ExportCSV handles GET /api/v1/jobs/:job_id/csv
// Streams the results of a completed job as a CSV attachment
func (h *JobHandler) ExportCSV(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	if job.Status != domain.JobStatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Job is not completed yet",
			"status": job.Status,
		})
		return
	}

	items, err := h.store.ListLineItems(c.Request.Context(), job.JobID)
	if err != nil {
		h.logger.Error("Failed to list line items", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to export job",
		})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="processed_results_%s.csv"`, job.JobID))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write(csvHeader); err != nil {
		h.logger.Error("Failed to write CSV", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
		return
	}
	for _, item := range items {
		record := []string{
			strconv.Itoa(item.SequenceNumber),
			item.ProductName,
			strings.Join(item.SourceRefs, refSeparator),
			strings.Join(item.ResultRefs, refSeparator),
		}
		if err := w.Write(record); err != nil {
			h.logger.Error("Failed to write CSV", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		h.logger.Error("Failed to flush CSV", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
	}
}
