package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lyricdash/analysis-be/internal/jobstore"
)

// processJob runs the full lifecycle for one delivery: claim, execute with
// heartbeats and checkpoints, finalize. The returned error decides the ACK
// strategy in the pool; once a job is claimed the outcome is always written
// to the store and the delivery is never requeued.
func (w *Worker) processJob(ctx context.Context, msg *jobMessage, workerName string) error {
	rec, err := w.store.Claim(ctx, msg.JobID, workerName)
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrAlreadyClaimed):
			// another worker won the claim, or the job is already terminal
			w.logger.Info("Job already claimed, skipping",
				slog.String("job_id", msg.JobID),
			)
			return nil
		case errors.Is(err, jobstore.ErrJobNotFound):
			w.logger.Warn("Job not found in store, discarding message",
				slog.String("job_id", msg.JobID),
			)
			return nil
		default:
			// store unreachable before anything was claimed; safe to retry
			return &transientError{err: err}
		}
	}

	w.logger.Info("Job claimed",
		slog.String("job_id", rec.JobID),
		slog.String("job_type", rec.JobType),
		slog.String("worker_name", workerName),
	)

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	heartbeatDone := make(chan struct{})
	if w.heartbeatInterval > 0 {
		go w.heartbeatLoop(jobCtx, rec.JobID, heartbeatDone)
	} else {
		close(heartbeatDone)
	}

	result, runErr := w.runTask(jobCtx, rec)

	cancel()
	<-heartbeatDone

	// Finalization uses the parent context: even when the job context has
	// timed out, the terminal write must still go through.
	return w.finalize(ctx, rec, result, runErr)
}

// runTask resolves the task for the job type and executes it
func (w *Worker) runTask(ctx context.Context, rec *jobstore.Record) (string, error) {
	task, ok := w.registry.Get(rec.JobType)
	if !ok {
		return "", errUnknownJobType
	}

	rep := newReporter(w.store, w.logger, rec.JobID)
	return task.Run(ctx, rec, rep.report)
}

var errUnknownJobType = errors.New("unknown job type")

// finalize writes the terminal record for a claimed job
func (w *Worker) finalize(ctx context.Context, rec *jobstore.Record, result string, runErr error) error {
	if runErr == nil {
		if err := w.store.Finish(ctx, rec.JobID, result); err != nil {
			w.logger.Error("Failed to mark job finished",
				slog.String("job_id", rec.JobID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		w.logger.Info("Job finished",
			slog.String("job_id", rec.JobID),
		)
		return nil
	}

	kind := jobstore.ErrorKindExecution
	switch {
	case errors.Is(runErr, jobstore.ErrCancelled):
		kind = jobstore.ErrorKindCancelled
	case errors.Is(runErr, context.DeadlineExceeded):
		kind = jobstore.ErrorKindTimeout
	}

	if err := w.store.Fail(ctx, rec.JobID, kind, runErr.Error()); err != nil {
		w.logger.Error("Failed to mark job failed",
			slog.String("job_id", rec.JobID),
			slog.String("error_kind", kind),
			slog.String("error", err.Error()),
		)
		return nil
	}

	w.logger.Info("Job failed",
		slog.String("job_id", rec.JobID),
		slog.String("error_kind", kind),
		slog.String("error", runErr.Error()),
	)
	return nil
}

// heartbeatLoop refreshes last_heartbeat_at while the job is running
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Heartbeat failed",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
