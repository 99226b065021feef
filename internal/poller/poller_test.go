package poller

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyricdash/analysis-be/internal/jobstore"
	"github.com/lyricdash/analysis-be/shared/logger"
)

func testOptions() Options {
	return Options{
		InitialInterval:   5 * time.Millisecond,
		MaxInterval:       100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxErrorRetries:   3,
	}
}

// sequenceStatus returns records from the sequence in order, repeating the
// last one once exhausted.
func sequenceStatus(records ...*jobstore.Record) StatusFunc {
	var mu sync.Mutex
	idx := 0
	return func(_ context.Context, jobID string) (*jobstore.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		rec := records[idx]
		if idx < len(records)-1 {
			idx++
		}
		out := *rec
		out.JobID = jobID
		return &out, nil
	}
}

func startedRecord(progress float64, step string) *jobstore.Record {
	return &jobstore.Record{Status: jobstore.StatusStarted, Progress: progress, CurrentStep: step}
}

func TestIntervalFor_AdaptiveLaw(t *testing.T) {
	opts := Options{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}

	tests := []struct {
		progress float64
		want     time.Duration
	}{
		{0.0, 100 * time.Millisecond},
		{0.05, 100 * time.Millisecond},
		{0.1, 200 * time.Millisecond},
		{0.5, 200 * time.Millisecond},
		{0.89, 200 * time.Millisecond},
		{0.9, 300 * time.Millisecond},
		{0.95, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, intervalFor(tt.progress, opts), "progress=%v", tt.progress)
	}
}

func TestIntervalFor_CappedAtMax(t *testing.T) {
	opts := Options{InitialInterval: 100 * time.Millisecond, MaxInterval: 250 * time.Millisecond}
	assert.Equal(t, 250*time.Millisecond, intervalFor(0.95, opts))
}

func TestRetryInterval_Backoff(t *testing.T) {
	opts := Options{MaxInterval: time.Second, BackoffMultiplier: 2}
	assert.Equal(t, 200*time.Millisecond, retryInterval(100*time.Millisecond, opts))

	opts.MaxInterval = 150 * time.Millisecond
	assert.Equal(t, 150*time.Millisecond, retryInterval(100*time.Millisecond, opts))
}

func TestRecordTerminal(t *testing.T) {
	tests := []struct {
		name string
		rec  *jobstore.Record
		want bool
	}{
		{"running mid-progress", startedRecord(0.5, "analyzing"), false},
		{"full progress alone", startedRecord(1.0, "analyzing"), true},
		{"complete step alone", startedRecord(0.4, "complete"), true},
		{"finished status", &jobstore.Record{Status: jobstore.StatusFinished, Progress: 0.7}, true},
		{"failed status", &jobstore.Record{Status: jobstore.StatusFailed}, true},
		{"lowercase completed from http surface", &jobstore.Record{Status: "completed"}, true},
		{"lowercase failed from http surface", &jobstore.Record{Status: "failed"}, true},
		{"cancelled status", &jobstore.Record{Status: "cancelled"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recordTerminal(tt.rec))
		})
	}
}

func TestPoll_ProgressThenComplete(t *testing.T) {
	status := sequenceStatus(
		startedRecord(0.25, "fetching_lyrics"),
		startedRecord(0.75, "analyzing"),
		&jobstore.Record{Status: jobstore.StatusFinished, Progress: 1, CurrentStep: "complete"},
	)
	p := New(status, logger.Nop())

	var mu sync.Mutex
	var progressed []float64
	complete := make(chan *jobstore.Record, 1)

	err := p.Start(context.Background(), "job-1", Callbacks{
		OnProgress: func(rec *jobstore.Record) {
			mu.Lock()
			progressed = append(progressed, rec.Progress)
			mu.Unlock()
		},
		OnComplete: func(rec *jobstore.Record) { complete <- rec },
		OnError:    func(err error, _ int) { t.Errorf("unexpected error: %v", err) },
	}, testOptions())
	require.NoError(t, err)

	select {
	case rec := <-complete:
		assert.Equal(t, 1.0, rec.Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(progressed), 3)
	assert.Equal(t, 0.25, progressed[0])
	for i := 1; i < len(progressed); i++ {
		assert.GreaterOrEqual(t, progressed[i], progressed[i-1], "progress must be monotonic")
	}
	assert.False(t, p.Active("job-1"), "terminal jobs must stop scheduling")
}

func TestPoll_JobFailureRoutesToOnError(t *testing.T) {
	status := sequenceStatus(&jobstore.Record{
		Status:       jobstore.StatusFailed,
		ErrorKind:    sql.NullString{String: jobstore.ErrorKindExecution, Valid: true},
		ErrorMessage: sql.NullString{String: "scorer rejected lyrics", Valid: true},
	})
	p := New(status, logger.Nop())

	failed := make(chan error, 1)
	err := p.Start(context.Background(), "job-1", Callbacks{
		OnComplete: func(*jobstore.Record) { t.Error("OnComplete must not fire for failed jobs") },
		OnError:    func(err error, _ int) { failed <- err },
	}, testOptions())
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrJobFailed)
		assert.Contains(t, err.Error(), "scorer rejected lyrics")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}
	assert.False(t, p.Active("job-1"))
}

func TestPoll_MaxRetryTermination(t *testing.T) {
	queryErr := errors.New("connection refused")
	status := func(context.Context, string) (*jobstore.Record, error) { return nil, queryErr }
	p := New(status, logger.Nop())

	type call struct {
		err   error
		count int
	}
	calls := make(chan call, 10)

	opts := testOptions()
	opts.MaxErrorRetries = 2

	err := p.Start(context.Background(), "job-1", Callbacks{
		OnError: func(err error, count int) { calls <- call{err, count} },
	}, opts)
	require.NoError(t, err)

	first := <-calls
	assert.Equal(t, 1, first.count)
	assert.ErrorIs(t, first.err, queryErr)

	second := <-calls
	assert.Equal(t, 2, second.count)

	// Polling must stop after the retry budget: no third call.
	select {
	case extra := <-calls:
		t.Fatalf("unexpected extra OnError call: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, p.Active("job-1"))
}

func TestPoll_ErrorCountResetsOnSuccess(t *testing.T) {
	var mu sync.Mutex
	n := 0
	status := func(_ context.Context, jobID string) (*jobstore.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 1 {
			return nil, errors.New("blip")
		}
		if n < 4 {
			return startedRecord(0.5, "analyzing"), nil
		}
		return &jobstore.Record{Status: jobstore.StatusFinished, Progress: 1}, nil
	}
	p := New(status, logger.Nop())

	complete := make(chan struct{}, 1)
	errCount := make(chan int, 10)

	opts := testOptions()
	opts.MaxErrorRetries = 2

	err := p.Start(context.Background(), "job-1", Callbacks{
		OnComplete: func(*jobstore.Record) { complete <- struct{}{} },
		OnError:    func(_ error, count int) { errCount <- count },
	}, opts)
	require.NoError(t, err)

	select {
	case <-complete:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	// The single transient blip must not have accumulated toward the budget.
	assert.Len(t, errCount, 1)
	assert.Equal(t, 1, <-errCount)
}

func TestPoll_MaxDuration(t *testing.T) {
	status := sequenceStatus(startedRecord(0.1, "analyzing"))
	p := New(status, logger.Nop())

	failed := make(chan error, 1)
	opts := testOptions()
	opts.MaxDuration = 25 * time.Millisecond

	err := p.Start(context.Background(), "job-1", Callbacks{
		OnError: func(err error, _ int) {
			if errors.Is(err, ErrPollingTimeout) {
				failed <- err
			}
		},
	}, opts)
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrPollingTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polling timeout")
	}
	assert.False(t, p.Active("job-1"))
}

func TestStop(t *testing.T) {
	var mu sync.Mutex
	queries := 0
	status := func(context.Context, string) (*jobstore.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		queries++
		return startedRecord(0.5, "analyzing"), nil
	}
	p := New(status, logger.Nop())

	require.NoError(t, p.Start(context.Background(), "job-1", Callbacks{}, testOptions()))
	require.True(t, p.Active("job-1"))

	p.Stop("job-1")
	assert.False(t, p.Active("job-1"))

	mu.Lock()
	settled := queries
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, queries, settled+1, "no further queries after Stop")
	mu.Unlock()
}

func TestStart_AlreadyPolling(t *testing.T) {
	status := sequenceStatus(startedRecord(0.5, "analyzing"))
	p := New(status, logger.Nop())
	defer p.StopAll()

	require.NoError(t, p.Start(context.Background(), "job-1", Callbacks{}, testOptions()))
	err := p.Start(context.Background(), "job-1", Callbacks{}, testOptions())
	assert.ErrorIs(t, err, ErrAlreadyPolling)
}

func TestPollAll(t *testing.T) {
	good := sequenceStatus(
		startedRecord(0.5, "analyzing"),
		&jobstore.Record{Status: jobstore.StatusFinished, Progress: 1},
	)
	bad := sequenceStatus(&jobstore.Record{
		Status:       jobstore.StatusFailed,
		ErrorMessage: sql.NullString{String: "timed out", Valid: true},
	})

	status := func(ctx context.Context, jobID string) (*jobstore.Record, error) {
		if jobID == "job-good" {
			return good(ctx, jobID)
		}
		return bad(ctx, jobID)
	}
	p := New(status, logger.Nop())

	outcomes, err := p.PollAll(context.Background(), []string{"job-good", "job-bad"}, Callbacks{}, testOptions())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.NoError(t, outcomes["job-good"].Err)
	require.NotNil(t, outcomes["job-good"].Record)
	assert.Equal(t, 1.0, outcomes["job-good"].Record.Progress)

	assert.ErrorIs(t, outcomes["job-bad"].Err, ErrJobFailed)
}

func TestStopAll_ReleasesPollAll(t *testing.T) {
	status := func(context.Context, string) (*jobstore.Record, error) {
		return startedRecord(0.2, "analyzing"), nil
	}
	p := New(status, logger.Nop())

	done := make(chan map[string]Outcome, 1)
	go func() {
		outcomes, _ := p.PollAll(context.Background(), []string{"a", "b"}, Callbacks{}, testOptions())
		done <- outcomes
	}()

	// Let both polls get scheduled, then tear everything down.
	time.Sleep(30 * time.Millisecond)
	p.StopAll()

	select {
	case outcomes := <-done:
		require.Len(t, outcomes, 2)
		assert.ErrorIs(t, outcomes["a"].Err, ErrPollingStopped)
		assert.ErrorIs(t, outcomes["b"].Err, ErrPollingStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("PollAll did not resolve after StopAll")
	}
}
