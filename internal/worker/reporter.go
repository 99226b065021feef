package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/lyricdash/analysis-be/internal/jobstore"
)

// reporter turns task checkpoints into store writes. Each call checks for a
// pending cancellation request first, then persists progress together with a
// linear ETA extrapolated from elapsed time.
type reporter struct {
	store     *jobstore.Store
	logger    *slog.Logger
	jobID     string
	startedAt time.Time
}

func newReporter(store *jobstore.Store, logger *slog.Logger, jobID string) *reporter {
	return &reporter{
		store:     store,
		logger:    logger,
		jobID:     jobID,
		startedAt: time.Now(),
	}
}

// report is the ReportFunc handed to tasks
func (r *reporter) report(ctx context.Context, progress float64, step string, meta jobstore.Metadata) error {
	cancelled, err := r.store.IsCancelRequested(ctx, r.jobID)
	if err != nil {
		// store flake at checkpoint time is not a cancellation; keep working
		r.logger.Warn("Cancel check failed, continuing",
			slog.String("job_id", r.jobID),
			slog.String("error", err.Error()),
		)
	} else if cancelled {
		r.logger.Info("Cancellation requested, stopping job",
			slog.String("job_id", r.jobID),
			slog.Float64("progress", progress),
		)
		return jobstore.ErrCancelled
	}

	eta := r.etaSeconds(progress)

	if err := r.store.ReportProgress(ctx, r.jobID, progress, step, eta, meta); err != nil {
		// progress is best-effort; losing one checkpoint must not fail the job
		r.logger.Warn("Progress checkpoint write failed",
			slog.String("job_id", r.jobID),
			slog.Float64("progress", progress),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// etaSeconds extrapolates remaining time from elapsed time and completed
// fraction. Returns nil until there is enough progress to extrapolate from.
func (r *reporter) etaSeconds(progress float64) *float64 {
	if progress <= 0 || progress > 1 {
		return nil
	}
	elapsed := time.Since(r.startedAt).Seconds()
	eta := elapsed * (1 - progress) / progress
	return &eta
}
