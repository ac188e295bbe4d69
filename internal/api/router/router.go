package router

import (
	"net/http"

	"github.com/cuongbtq/image-batch/internal/api/handler"
	"github.com/cuongbtq/image-batch/internal/transformer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const environmentProduction = "production"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "image-batch-api",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "image-batch-api",
		})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if deps.OutputDir != "" {
		r.Static(transformer.PublicPathPrefix, deps.OutputDir)
	}

	jobHandler := handler.NewJobHandler(deps)
	queueHandler := handler.NewQueueHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a batch
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Job status with item counts
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/results - Ordered line items with result refs
			jobs.GET("/:job_id/results", jobHandler.GetJobResults)

			// GET /api/v1/jobs/:job_id/csv - CSV export of a completed job
			jobs.GET("/:job_id/csv", jobHandler.ExportCSV)
		}

		v1.GET("/queue/history", queueHandler.History)
	}

	if deps.Environment != environmentProduction {
		r.POST("/webhook", handler.WebhookReceiver(deps.Logger))
	}

	return r
}
