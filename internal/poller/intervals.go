package poller

import (
	"strings"
	"time"

	"github.com/lyricdash/analysis-be/internal/jobstore"
)

// intervalFor scales the polling interval with observed progress: the
// early phase (<10%) changes quickly, steady state is quieter, the final
// phase (>=90%) is least volatile. Always capped at MaxInterval.
func intervalFor(progress float64, opts Options) time.Duration {
	var interval time.Duration
	switch {
	case progress < 0.1:
		interval = opts.InitialInterval
	case progress < 0.9:
		interval = 2 * opts.InitialInterval
	default:
		interval = 3 * opts.InitialInterval
	}

	if interval > opts.MaxInterval {
		return opts.MaxInterval
	}
	return interval
}

// retryInterval backs off the current interval after a failed query,
// capped at MaxInterval
func retryInterval(current time.Duration, opts Options) time.Duration {
	next := time.Duration(float64(current) * opts.BackoffMultiplier)
	if next > opts.MaxInterval {
		return opts.MaxInterval
	}
	return next
}

// recordTerminal recognizes completion from any of the redundant signals:
// a full progress fraction, a terminal status, or the "complete" step tag.
func recordTerminal(rec *jobstore.Record) bool {
	if rec.Progress >= 1 {
		return true
	}
	if rec.CurrentStep == "complete" {
		return true
	}
	switch strings.ToUpper(rec.Status) {
	case jobstore.StatusFinished, jobstore.StatusFailed, "COMPLETED", "CANCELLED", "CANCELED":
		return true
	}
	return false
}

// recordFailed reports whether a terminal record represents failure, and
// the cause to surface
func recordFailed(rec *jobstore.Record) (bool, string) {
	switch strings.ToUpper(rec.Status) {
	case jobstore.StatusFailed, "CANCELLED", "CANCELED":
		cause := rec.ErrorMessage.String
		if cause == "" {
			cause = rec.ErrorKind.String
		}
		if cause == "" {
			cause = "job ended in " + rec.Status
		}
		return true, cause
	}
	return false, ""
}
