// Package tasks holds the long-running content-analysis work executed by
// workers. A task reports progress through the supplied ReportFunc at each
// checkpoint; the same call is where cooperative cancellation is observed,
// so cancellation latency equals checkpoint granularity.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lyricdash/analysis-be/internal/jobstore"
)

// ReportFunc writes one progress checkpoint. It returns
// jobstore.ErrCancelled when cancellation has been requested; tasks must
// propagate that error to stop early.
type ReportFunc func(ctx context.Context, progress float64, step string, meta jobstore.Metadata) error

// Task is one unit of long-running analysis work. Run returns the result
// as a JSON string, or an error that becomes the job's structured cause.
type Task interface {
	Type() string
	Run(ctx context.Context, rec *jobstore.Record, report ReportFunc) (string, error)
}

// Registry maps job types to tasks
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty task registry
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task, replacing any previous task of the same type
func (r *Registry) Register(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.Type()] = task
}

// Get looks up the task for a job type
func (r *Registry) Get(jobType string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[jobType]
	return task, ok
}

// Types returns the registered job types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.tasks))
	for t := range r.tasks {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// LyricsClient fetches song lyrics from the lyrics provider
type LyricsClient interface {
	FetchLyrics(ctx context.Context, artist, title string) (string, error)
}

// ScoreClient scores lyrics content, returning a value in [0,1]
type ScoreClient interface {
	ScoreLyrics(ctx context.Context, lyrics string) (float64, error)
}

// DomainError wraps a task failure with the step it occurred in
type DomainError struct {
	Step string
	Err  error
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Step, e.Err)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}
