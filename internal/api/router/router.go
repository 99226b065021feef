// Package router wires the gin engine of the api-service.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lyricdash/analysis-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "analysis-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a new analysis job
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id/status - Live progress snapshot
			jobs.GET("/:job_id/status", jobHandler.GetJobStatus)

			// POST /api/v1/jobs/:job_id/cancel - Request cooperative cancellation
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		// GET /api/v1/collections/:collection_id/status - changed jobs of a collection
		v1.GET("/collections/:collection_id/status", jobHandler.CollectionStatus)

		// GET /api/v1/queues/:queue/stats - tier queue diagnostics
		v1.GET("/queues/:queue/stats", jobHandler.QueueStats)

		// GET /api/v1/router/route - side-effect-free routing decision
		v1.GET("/router/route", jobHandler.RouterRoute)
	}

	return r
}
