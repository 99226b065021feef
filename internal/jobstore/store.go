package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	job_id            TEXT PRIMARY KEY,
	idempotency_key   TEXT NOT NULL UNIQUE,
	collection_id     TEXT NOT NULL,
	job_type          TEXT NOT NULL,
	queue             TEXT NOT NULL,
	payload           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	progress          DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_step      TEXT NOT NULL DEFAULT '',
	eta_seconds       DOUBLE PRECISION,
	metadata          TEXT NOT NULL DEFAULT '{}',
	result            TEXT,
	error_kind        TEXT,
	error_message     TEXT,
	cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
	worker_id         TEXT,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	last_heartbeat_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_collection ON analysis_jobs (collection_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_queue_status ON analysis_jobs (queue, status);
`

const recordColumns = `
	job_id, idempotency_key, collection_id, job_type, queue, payload,
	status, progress, current_step, eta_seconds, metadata,
	result, error_kind, error_message, cancel_requested, worker_id,
	created_at, updated_at, last_heartbeat_at
`

// Store provides all database operations on analysis job records.
// Queries use ? bindvars and Rebind so the same code runs against
// PostgreSQL in production and SQLite in tests.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the jobs table and indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run jobstore migration: %w", err)
	}
	return nil
}

// EnqueueParams describes a job submission
type EnqueueParams struct {
	IdempotencyKey string
	CollectionID   string
	JobType        string
	Queue          string
	Payload        string
	Metadata       Metadata
}

// Enqueue creates a QUEUED job record. Submissions carrying an idempotency
// key already seen return the existing record instead of creating a second
// one; the returned bool is true when a new record was created.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*Record, bool, error) {
	key := p.IdempotencyKey
	jobID := uuid.New().String()
	if key == "" {
		key = jobID
	} else {
		existing, err := s.getByIdempotencyKey(ctx, key)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
		}
	}

	now := time.Now().UTC()
	query := s.db.Rebind(`
		INSERT INTO analysis_jobs (
			job_id, idempotency_key, collection_id, job_type, queue,
			payload, status, progress, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		jobID, key, p.CollectionID, p.JobType, p.Queue,
		p.Payload, StatusQueued, p.Metadata, now, now,
	)
	if err != nil {
		// A concurrent submit with the same key may have won the insert.
		if existing, lookupErr := s.getByIdempotencyKey(ctx, key); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("job_type", p.JobType),
		slog.String("queue", p.Queue),
	)

	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	return rec, true, nil
}

// Get retrieves a job record by id
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	var rec Record
	query := s.db.Rebind(`SELECT ` + recordColumns + ` FROM analysis_jobs WHERE job_id = ?`)

	err := s.db.GetContext(ctx, &rec, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &rec, nil
}

func (s *Store) getByIdempotencyKey(ctx context.Context, key string) (*Record, error) {
	var rec Record
	query := s.db.Rebind(`SELECT ` + recordColumns + ` FROM analysis_jobs WHERE idempotency_key = ?`)

	err := s.db.GetContext(ctx, &rec, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}

	return &rec, nil
}

// Claim hands a QUEUED job to a worker. The conditional update makes the
// hand-off exclusive: exactly one of any concurrent claims succeeds, the
// rest get ErrAlreadyClaimed.
func (s *Store) Claim(ctx context.Context, jobID, workerID string) (*Record, error) {
	now := time.Now().UTC()
	query := s.db.Rebind(`
		UPDATE analysis_jobs
		SET status = ?,
		    worker_id = ?,
		    progress = 0,
		    current_step = 'claimed',
		    last_heartbeat_at = ?,
		    updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query, StatusStarted, workerID, now, now, jobID, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		s.logger.Warn("Failed to claim job - already claimed",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
		return nil, ErrAlreadyClaimed
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return s.Get(ctx, jobID)
}

// ReportProgress writes one checkpoint for a STARTED job. Progress never
// moves backwards: a stale value leaves the stored fraction untouched. New
// metadata keys merge over previously written ones; a checkpoint reporting
// only current_item does not wipe total_items. The claiming worker is the
// only writer of a job, so read-merge-write needs no extra locking.
func (s *Store) ReportProgress(ctx context.Context, jobID string, progress float64, step string, etaSeconds *float64, meta Metadata) error {
	var eta sql.NullFloat64
	if etaSeconds != nil {
		eta = sql.NullFloat64{Float64: *etaSeconds, Valid: true}
	}

	existing, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}

	merged := existing.Metadata
	if len(meta) > 0 {
		merged = make(Metadata, len(existing.Metadata)+len(meta))
		for k, v := range existing.Metadata {
			merged[k] = v
		}
		for k, v := range meta {
			merged[k] = v
		}
	}

	query := s.db.Rebind(`
		UPDATE analysis_jobs
		SET progress = CASE WHEN ? > progress THEN ? ELSE progress END,
		    current_step = ?,
		    eta_seconds = ?,
		    metadata = ?,
		    updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		progress, progress, step, eta, merged, time.Now().UTC(), jobID, StatusStarted,
	)
	if err != nil {
		return fmt.Errorf("failed to report progress: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		rec, getErr := s.Get(ctx, jobID)
		if errors.Is(getErr, ErrJobNotFound) {
			return ErrJobNotFound
		}
		if getErr == nil && rec.Terminal() {
			return ErrTerminalState
		}
		return fmt.Errorf("job %s is not running", jobID)
	}

	return nil
}

// Heartbeat bumps last_heartbeat_at for a running job without touching
// updated_at, so collection change polling is not disturbed.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`
		UPDATE analysis_jobs
		SET last_heartbeat_at = ?
		WHERE job_id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), jobID, StatusStarted)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		s.logger.Warn("Heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// Finish moves a job to FINISHED with progress 1 and the result populated.
// Writes against an already-terminal record are rejected.
func (s *Store) Finish(ctx context.Context, jobID, result string) error {
	query := s.db.Rebind(`
		UPDATE analysis_jobs
		SET status = ?,
		    progress = 1,
		    current_step = 'complete',
		    eta_seconds = 0,
		    result = ?,
		    updated_at = ?
		WHERE job_id = ? AND status IN (?, ?)
	`)

	res, err := s.db.ExecContext(ctx, query,
		StatusFinished, result, time.Now().UTC(), jobID, StatusQueued, StatusStarted,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	return s.checkTerminalWrite(ctx, res, jobID)
}

// Fail moves a job to FAILED with a structured cause. Terminal records
// reject the write.
func (s *Store) Fail(ctx context.Context, jobID, kind, message string) error {
	query := s.db.Rebind(`
		UPDATE analysis_jobs
		SET status = ?,
		    error_kind = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE job_id = ? AND status IN (?, ?)
	`)

	res, err := s.db.ExecContext(ctx, query,
		StatusFailed, kind, message, time.Now().UTC(), jobID, StatusQueued, StatusStarted,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	if err := s.checkTerminalWrite(ctx, res, jobID); err != nil {
		return err
	}

	s.logger.Info("Job failed",
		slog.String("job_id", jobID),
		slog.String("error_kind", kind),
		slog.String("error_message", message),
	)

	return nil
}

func (s *Store) checkTerminalWrite(ctx context.Context, res sql.Result, jobID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return ErrTerminalState
	}

	return nil
}

// RequestCancel sets the cooperative cancellation flag. The worker observes
// it at its next progress checkpoint, so cancellation latency equals
// checkpoint granularity.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`
		UPDATE analysis_jobs
		SET cancel_requested = ?,
		    updated_at = ?
		WHERE job_id = ? AND status IN (?, ?)
	`)

	res, err := s.db.ExecContext(ctx, query, true, time.Now().UTC(), jobID, StatusQueued, StatusStarted)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	return s.checkTerminalWrite(ctx, res, jobID)
}

// IsCancelRequested reports whether cancellation has been requested
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	query := s.db.Rebind(`SELECT cancel_requested FROM analysis_jobs WHERE job_id = ?`)

	err := s.db.GetContext(ctx, &flag, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}

	return flag, nil
}

// QueueStats derives pending/active counts for one tier queue by counting
// live records
func (s *Store) QueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	var stats QueueStats
	query := s.db.Rebind(`
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END) AS pending,
			COUNT(CASE WHEN status = ? THEN 1 END) AS active
		FROM analysis_jobs
		WHERE queue = ?
	`)

	err := s.db.GetContext(ctx, &stats, query, StatusQueued, StatusStarted, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	return &stats, nil
}

// ActiveJobs lists detail rows for currently running jobs on a queue
func (s *Store) ActiveJobs(ctx context.Context, queue string) ([]ActiveJob, error) {
	jobs := []ActiveJob{}
	query := s.db.Rebind(`
		SELECT job_id, job_type, collection_id, progress
		FROM analysis_jobs
		WHERE queue = ? AND status = ?
		ORDER BY created_at
	`)

	err := s.db.SelectContext(ctx, &jobs, query, queue, StatusStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	return jobs, nil
}

// ChangedSince returns records for a collection whose state changed after
// the given instant. Unchanged jobs are omitted so collection-level polling
// does not re-receive stable state.
func (s *Store) ChangedSince(ctx context.Context, collectionID string, since time.Time) ([]Record, error) {
	records := []Record{}
	query := s.db.Rebind(`
		SELECT ` + recordColumns + `
		FROM analysis_jobs
		WHERE collection_id = ? AND updated_at > ?
		ORDER BY updated_at
	`)

	err := s.db.SelectContext(ctx, &records, query, collectionID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list changed jobs: %w", err)
	}

	return records, nil
}

// PurgeTerminal deletes terminal records older than the cutoff, enforcing
// the retention window. Returns the number of purged records.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	query := s.db.Rebind(`
		DELETE FROM analysis_jobs
		WHERE status IN (?, ?) AND updated_at < ?
	`)

	res, err := s.db.ExecContext(ctx, query, StatusFinished, StatusFailed, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}

	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if purged > 0 {
		s.logger.Info("Purged terminal jobs",
			slog.Int64("count", purged),
		)
	}

	return purged, nil
}

// Filter narrows a job listing
type Filter struct {
	CollectionID string
	JobType      string
	Status       string
	PageSize     int
	Cursor       *Cursor
}

// Cursor marks a position in the (created_at, job_id) ordering
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns jobs matching the filter, newest first, fetching one extra
// row past PageSize so callers can detect whether more results exist.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM analysis_jobs WHERE 1=1`
	args := []interface{}{}

	if filter.CollectionID != "" {
		query += " AND collection_id = ?"
		args = append(args, filter.CollectionID)
	}

	if filter.JobType != "" {
		query += " AND job_type = ?"
		args = append(args, filter.JobType)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.Cursor != nil {
		query += " AND (created_at, job_id) < (?, ?)"
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
	}

	query += " ORDER BY created_at DESC, job_id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	records := []Record{}
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return records, nil
}
