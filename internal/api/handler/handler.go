// Package handler implements the HTTP handlers of the analysis API.
package handler

import (
	"log/slog"

	"github.com/lyricdash/analysis-be/internal/jobstore"
	"github.com/lyricdash/analysis-be/internal/routing"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Store  *jobstore.Store
	Router *routing.Router
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	store  *jobstore.Store
	router *routing.Router
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		store:  deps.Store,
		router: deps.Router,
	}
}
