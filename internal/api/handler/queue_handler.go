package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/image-batch/internal/api/dto"
	"github.com/cuongbtq/image-batch/internal/queue"
	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 20

// QueueHandler exposes queue event history
type QueueHandler struct {
	logger  *slog.Logger
	history QueueHistory
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(deps *Dependencies) *QueueHandler {
	return &QueueHandler{
		logger:  deps.Logger,
		history: deps.History,
	}
}

// History handles GET /api/v1/queue/history
func (h *QueueHandler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Queue history is not configured",
		})
		return
	}

	var req dto.QueueHistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	if req.Event == "" {
		req.Event = queue.EventFailed
	}
	if req.Limit <= 0 || req.Limit > maxPageSize {
		req.Limit = defaultHistoryLimit
	}

	entries, err := h.history.Recent(c.Request.Context(), req.Event, req.Limit)
	if err != nil {
		h.logger.Error("Failed to read queue history", slog.String("event", req.Event), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read queue history",
		})
		return
	}
	if entries == nil {
		entries = []queue.HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"event":   req.Event,
		"entries": entries,
	})
}

// WebhookReceiver handles POST /webhook in development.
// It logs the notification body so the notifier can be pointed at the API itself.
func WebhookReceiver(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Failed to read body",
			})
			return
		}
		logger.Info("Webhook received", slog.String("body", string(body)))
		c.JSON(http.StatusOK, gin.H{
			"status": "received",
		})
	}
}
