// Package jobstore is the single source of truth for analysis job state.
// Workers are the only writers of a claimed job's record; the HTTP status
// surface only reads. Progress is monotonic while a job is live and
// terminal states are write-once.
package jobstore

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Job status values. Transitions are QUEUED -> STARTED -> FINISHED|FAILED.
const (
	StatusQueued   = "QUEUED"
	StatusStarted  = "STARTED"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// Error kinds recorded on failed jobs
const (
	ErrorKindExecution = "execution_error"
	ErrorKindTimeout   = "timeout"
	ErrorKindCancelled = "cancelled"
)

// IsTerminalStatus reports whether a status is final
func IsTerminalStatus(status string) bool {
	switch strings.ToUpper(status) {
	case StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Metadata is the documented string-keyed map of domain sub-progress.
// Analysis jobs report total_items, processed_items and current_item.
type Metadata map[string]any

// Value implements driver.Valuer, serializing metadata as JSON
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
}

// Record is one analysis job tracked through its lifecycle
type Record struct {
	JobID           string          `db:"job_id"`
	IdempotencyKey  string          `db:"idempotency_key"`
	CollectionID    string          `db:"collection_id"`
	JobType         string          `db:"job_type"`
	Queue           string          `db:"queue"`
	Payload         string          `db:"payload"`
	Status          string          `db:"status"`
	Progress        float64         `db:"progress"`
	CurrentStep     string          `db:"current_step"`
	ETASeconds      sql.NullFloat64 `db:"eta_seconds"`
	Metadata        Metadata        `db:"metadata"`
	Result          sql.NullString  `db:"result"`
	ErrorKind       sql.NullString  `db:"error_kind"`
	ErrorMessage    sql.NullString  `db:"error_message"`
	CancelRequested bool            `db:"cancel_requested"`
	WorkerID        sql.NullString  `db:"worker_id"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	LastHeartbeatAt sql.NullTime    `db:"last_heartbeat_at"`
}

// Terminal reports whether the record has reached a final state
func (r *Record) Terminal() bool {
	return IsTerminalStatus(r.Status)
}

// QueueStats holds live counts for one tier queue, derived by counting
// records rather than tracked separately
type QueueStats struct {
	Pending int `db:"pending"`
	Active  int `db:"active"`
}

// ActiveJob is one row of the queue diagnostic detail listing
type ActiveJob struct {
	JobID    string  `db:"job_id"`
	JobType  string  `db:"job_type"`
	TargetID string  `db:"collection_id"`
	Progress float64 `db:"progress"`
}
