package jobstore

import "errors"

var (
	// ErrQueueUnavailable is returned when the backing store cannot be reached
	// at enqueue time. Surfaced to the submitter, never retried internally.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrJobNotFound is returned for a job id with no record, either never
	// created or expired past the retention window.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyClaimed is returned when a claim loses the race for a job
	// or the job is no longer in QUEUED state.
	ErrAlreadyClaimed = errors.New("job already claimed or not in QUEUED status")

	// ErrTerminalState is returned when a write targets a record that has
	// already reached FINISHED or FAILED.
	ErrTerminalState = errors.New("job is in a terminal state")

	// ErrCancelled is returned by the progress reporter when the cooperative
	// cancellation flag is observed at a checkpoint.
	ErrCancelled = errors.New("job cancelled")
)
