package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lyricdash/analysis-be/internal/api/dto"
	"github.com/lyricdash/analysis-be/internal/jobstore"
	"github.com/lyricdash/analysis-be/internal/routing"
)

// SubmitJob handles POST /api/v1/jobs
// Persists the job and dispatches it to a tier queue. Submissions that
// replay an idempotency key return the existing job without dispatching a
// second message.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	// Route before touching the store so a fully tripped router rejects the
	// submission without leaving an orphan record behind.
	tier, err := h.router.Route(req.BatchSize)
	if err != nil {
		h.logger.Warn("Router unavailable, rejecting submission",
			slog.String("collection_id", req.CollectionID),
			slog.Int("batch_size", req.BatchSize),
		)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "router_unavailable"})
		return
	}

	rec, created, err := h.store.Enqueue(c.Request.Context(), jobstore.EnqueueParams{
		IdempotencyKey: req.IdempotencyKey,
		CollectionID:   req.CollectionID,
		JobType:        req.JobType,
		Queue:          h.router.QueueName(tier),
		Payload:        req.Payload,
	})
	if err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		if errors.Is(err, jobstore.ErrQueueUnavailable) {
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "queue_unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to enqueue job"})
		return
	}

	// A replayed submission whose record is still QUEUED is re-dispatched:
	// the first attempt may have failed after the record was written, and a
	// duplicate delivery is harmless since the claim is exclusive.
	if created || rec.Status == jobstore.StatusQueued {
		dispatched, err := h.router.Dispatch(c.Request.Context(), rec.JobID, req.BatchSize)
		if err != nil {
			// the record stays QUEUED; the next submission with the same
			// idempotency key dispatches it once a tier recovers
			h.logger.Error("Failed to dispatch job",
				slog.String("job_id", rec.JobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "router_unavailable"})
			return
		}

		h.logger.Info("Job dispatched",
			slog.String("job_id", rec.JobID),
			slog.String("collection_id", rec.CollectionID),
			slog.String("job_type", rec.JobType),
			slog.String("tier", string(dispatched)),
			slog.Bool("created", created),
		)
	} else {
		h.logger.Info("Idempotent replay, returning existing job",
			slog.String("job_id", rec.JobID),
			slog.String("idempotency_key", req.IdempotencyKey),
		)
	}

	c.JSON(http.StatusOK, dto.SubmitJobResponse{
		Success: true,
		JobID:   rec.JobID,
		Queue:   rec.Queue,
		Created: created,
	})
}

// GetJobStatus handles GET /api/v1/jobs/:job_id/status
// Returns the live progress snapshot pollers consume
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	rec, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get job"})
		return
	}

	progress := dto.ProgressDTO{
		Progress:    rec.Progress,
		CurrentStep: rec.CurrentStep,
		Status:      rec.Status,
		Metadata:    rec.Metadata,
	}
	if rec.ETASeconds.Valid {
		progress.ETASeconds = &rec.ETASeconds.Float64
	}
	if rec.Result.Valid {
		progress.Result = rec.Result.String
	}
	if rec.ErrorKind.Valid {
		progress.ErrorKind = rec.ErrorKind.String
		progress.ErrorMessage = rec.ErrorMessage.String
	}

	c.JSON(http.StatusOK, dto.JobStatusResponse{
		Success:  true,
		JobID:    rec.JobID,
		Progress: progress,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), jobstore.Filter{
		CollectionID: req.CollectionID,
		JobType:      req.JobType,
		Status:       req.Status,
		PageSize:     req.PageSize,
		Cursor:       cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = toJobDTO(&job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&jobstore.Cursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Sets the cooperative cancellation flag; the worker observes it at its
// next progress checkpoint
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	err := h.store.RequestCancel(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrJobNotFound):
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
		case errors.Is(err, jobstore.ErrTerminalState):
			c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "job already finished"})
		default:
			h.logger.Error("Failed to request cancel", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to cancel job"})
		}
		return
	}

	h.logger.Info("Cancellation requested", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"job_id":  jobID,
	})
}

// RouterRoute handles GET /api/v1/router/route
// Diagnostic endpoint: reports the tier a batch of the given size would be
// routed to, without dispatching anything or touching breaker state
func (h *JobHandler) RouterRoute(c *gin.Context) {
	var req struct {
		BatchSize int `form:"batch_size"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	tier, err := h.router.Route(req.BatchSize)
	if err != nil {
		if errors.Is(err, routing.ErrRouterUnavailable) {
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "router_unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to route"})
		return
	}

	c.JSON(http.StatusOK, dto.RouteResponse{
		Tier:  string(tier),
		Queue: h.router.QueueName(tier),
	})
}

func toJobDTO(job *jobstore.Record) dto.JobDTO {
	return dto.JobDTO{
		JobID:        job.JobID,
		CollectionID: job.CollectionID,
		JobType:      job.JobType,
		Queue:        job.Queue,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentStep:  job.CurrentStep,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
}
