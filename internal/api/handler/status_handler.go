package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lyricdash/analysis-be/internal/api/dto"
)

// CollectionStatus handles GET /api/v1/collections/:collection_id/status
// Returns jobs of the collection whose records changed after the `since`
// cutoff (epoch seconds). Without `since` every job of the collection is
// returned; no changes yield an empty list, never an error.
func (h *JobHandler) CollectionStatus(c *gin.Context) {
	collectionID := c.Param("collection_id")
	if collectionID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "collection_id is required"})
		return
	}

	since := time.Time{}
	if raw := c.Query("since"); raw != "" {
		epoch, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "since must be epoch seconds"})
			return
		}
		since = time.Unix(epoch, 0).UTC()
	}

	jobs, err := h.store.ChangedSince(c.Request.Context(), collectionID, since)
	if err != nil {
		h.logger.Error("Failed to query collection status",
			slog.String("collection_id", collectionID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to query collection status"})
		return
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = toJobDTO(&job)
	}

	c.JSON(http.StatusOK, dto.CollectionStatusResponse{
		Success: true,
		Jobs:    jobResponse,
	})
}

// QueueStats handles GET /api/v1/queues/:queue/stats
// Diagnostic snapshot of one tier queue: pending depth, running jobs, and
// per-job detail for dashboards
func (h *JobHandler) QueueStats(c *gin.Context) {
	queue := c.Param("queue")
	if queue == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "queue is required"})
		return
	}

	stats, err := h.store.QueueStats(c.Request.Context(), queue)
	if err != nil {
		h.logger.Error("Failed to query queue stats",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to query queue stats"})
		return
	}

	active, err := h.store.ActiveJobs(c.Request.Context(), queue)
	if err != nil {
		h.logger.Error("Failed to query active jobs",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to query active jobs"})
		return
	}

	details := make([]dto.ActiveJobDTO, len(active))
	for i, job := range active {
		details[i] = dto.ActiveJobDTO{
			JobID:    job.JobID,
			JobType:  job.JobType,
			TargetID: job.TargetID,
			Progress: job.Progress,
		}
	}

	c.JSON(http.StatusOK, dto.QueueStatsResponse{
		QueueSize:         stats.Pending,
		ActiveJobs:        stats.Active,
		ActiveJobsDetails: details,
	})
}
