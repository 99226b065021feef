// Package dto defines the request and response shapes of the analysis API.
package dto

// SubmitJobRequest is the body of POST /api/v1/jobs
type SubmitJobRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	CollectionID   string `json:"collection_id" binding:"required"`
	JobType        string `json:"job_type" binding:"required"`
	Payload        string `json:"payload" binding:"required"`
	BatchSize      int    `json:"batch_size"`
}

// SubmitJobResponse acknowledges a submitted (or replayed) job
type SubmitJobResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Queue   string `json:"queue"`
	Created bool   `json:"created"`
}

// ProgressDTO is the live progress block of a job status response
type ProgressDTO struct {
	Progress     float64        `json:"progress"`
	CurrentStep  string         `json:"current_step"`
	ETASeconds   *float64       `json:"eta_seconds"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Result       string         `json:"result,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// JobStatusResponse is the body of GET /api/v1/jobs/:job_id/status
type JobStatusResponse struct {
	Success  bool        `json:"success"`
	JobID    string      `json:"job_id"`
	Progress ProgressDTO `json:"progress"`
}

// ErrorResponse is the uniform failure body
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ListJobsRequest holds the query parameters of GET /api/v1/jobs
type ListJobsRequest struct {
	CollectionID string `form:"collection_id"`
	JobType      string `form:"job_type"`
	Status       string `form:"status"`
	PageSize     int    `form:"page_size"`
	Cursor       string `form:"cursor"`
}

// ListJobsResponse pages through jobs newest first
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is one job in list and collection-status responses
type JobDTO struct {
	JobID        string  `json:"job_id"`
	CollectionID string  `json:"collection_id"`
	JobType      string  `json:"job_type"`
	Queue        string  `json:"queue"`
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"`
	CurrentStep  string  `json:"current_step"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// QueueStatsResponse is the body of GET /api/v1/queues/:queue/stats
type QueueStatsResponse struct {
	QueueSize         int            `json:"queue_size"`
	ActiveJobs        int            `json:"active_jobs"`
	ActiveJobsDetails []ActiveJobDTO `json:"active_jobs_details"`
}

// ActiveJobDTO is one currently running job in queue stats
type ActiveJobDTO struct {
	JobID    string  `json:"job_id"`
	JobType  string  `json:"job_type"`
	TargetID string  `json:"target_id"`
	Progress float64 `json:"progress"`
}

// RouteResponse is the body of GET /api/v1/router/route
type RouteResponse struct {
	Tier  string `json:"tier"`
	Queue string `json:"queue"`
}

// CollectionStatusResponse lists jobs of a collection changed since a cutoff
type CollectionStatusResponse struct {
	Success bool     `json:"success"`
	Jobs    []JobDTO `json:"jobs"`
}
