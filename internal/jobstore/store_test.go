package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyricdash/analysis-be/shared/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A pool of in-memory sqlite connections would each see a different
	// database, so the store must run on a single connection in tests.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, logger.Nop())
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func enqueueTestJob(t *testing.T, store *Store, key string) *Record {
	t.Helper()

	rec, created, err := store.Enqueue(context.Background(), EnqueueParams{
		IdempotencyKey: key,
		CollectionID:   "playlist-42",
		JobType:        "playlist_analysis",
		Queue:          "interactive",
		Payload:        `{"tracks":[{"id":"t1"}]}`,
	})
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

func TestEnqueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "key-1")

	assert.NotEmpty(t, rec.JobID)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, 0.0, rec.Progress)
	assert.Equal(t, "playlist-42", rec.CollectionID)
	assert.False(t, rec.CancelRequested)
	assert.False(t, rec.Result.Valid)
	assert.False(t, rec.ErrorKind.Valid)

	got, err := store.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, rec.JobID, got.JobID)
}

func TestEnqueue_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := enqueueTestJob(t, store, "key-dup")

	second, created, err := store.Enqueue(ctx, EnqueueParams{
		IdempotencyKey: "key-dup",
		CollectionID:   "playlist-42",
		JobType:        "playlist_analysis",
		Queue:          "interactive",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.JobID, second.JobID)

	stats, err := store.QueueStats(ctx, "interactive")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestEnqueue_NoKeyCreatesDistinctJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, created, err := store.Enqueue(ctx, EnqueueParams{CollectionID: "p1", JobType: "lyrics_fetch", Queue: "bulk"})
	require.NoError(t, err)
	require.True(t, created)

	b, created, err := store.Enqueue(ctx, EnqueueParams{CollectionID: "p1", JobType: "lyrics_fetch", Queue: "bulk"})
	require.NoError(t, err)
	require.True(t, created)

	assert.NotEqual(t, a.JobID, b.JobID)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "11111111-1111-1111-1111-111111111111")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "")

	claimed, err := store.Claim(ctx, rec.JobID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, claimed.Status)
	assert.Equal(t, "worker-1", claimed.WorkerID.String)
	assert.True(t, claimed.LastHeartbeatAt.Valid)

	_, err = store.Claim(ctx, rec.JobID, "worker-2")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = store.Claim(ctx, "22222222-2222-2222-2222-222222222222", "worker-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClaim_ConcurrentRace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := []string{"worker-a", "worker-b"}[n]
			_, errs[n] = store.Claim(ctx, rec.JobID, workerID)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyClaimed)
			losses++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent claim must succeed")
	assert.Equal(t, 1, losses)
}

func TestReportProgress_Monotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "")
	_, err := store.Claim(ctx, rec.JobID, "worker-1")
	require.NoError(t, err)

	eta := 12.5
	require.NoError(t, store.ReportProgress(ctx, rec.JobID, 0.5, "analyzing", &eta, Metadata{
		"total_items":     4,
		"processed_items": 2,
		"current_item":    "Track Two",
	}))

	got, err := store.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Progress)
	assert.Equal(t, "analyzing", got.CurrentStep)
	assert.Equal(t, 12.5, got.ETASeconds.Float64)
	assert.Equal(t, "Track Two", got.Metadata["current_item"])

	// A stale, lower progress value must not move the fraction backwards.
	require.NoError(t, store.ReportProgress(ctx, rec.JobID, 0.2, "analyzing", nil, nil))

	got, err = store.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Progress)
}

func TestReportProgress_MetadataMerge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "")
	_, err := store.Claim(ctx, rec.JobID, "worker-1")
	require.NoError(t, err)

	require.NoError(t, store.ReportProgress(ctx, rec.JobID, 0.25, "fetching_lyrics", nil, Metadata{
		"total_items":     float64(4),
		"processed_items": float64(1),
	}))

	// A checkpoint reporting only current_item must not wipe earlier keys.
	require.NoError(t, store.ReportProgress(ctx, rec.JobID, 0.5, "analyzing", nil, Metadata{
		"current_item": "Track Two",
	}))

	got, err := store.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, float64(4), got.Metadata["total_items"])
	assert.Equal(t, float64(1), got.Metadata["processed_items"])
	assert.Equal(t, "Track Two", got.Metadata["current_item"])

	// New values replace old ones for the same key, and a nil checkpoint
	// leaves the stored metadata untouched.
	require.NoError(t, store.ReportProgress(ctx, rec.JobID, 0.75, "analyzing", nil, Metadata{
		"processed_items": float64(3),
	}))
	require.NoError(t, store.ReportProgress(ctx, rec.JobID, 0.8, "analyzing", nil, nil))

	got, err = store.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), got.Metadata["processed_items"])
	assert.Equal(t, float64(4), got.Metadata["total_items"])
}

func TestReportProgress_RejectedWhenNotRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "")

	err := store.ReportProgress(ctx, rec.JobID, 0.1, "fetching_lyrics", nil, nil)
	require.Error(t, err)

	_, err = store.Claim(ctx, rec.JobID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, rec.JobID, `{"ok":true}`))

	err = store.ReportProgress(ctx, rec.JobID, 0.9, "analyzing", nil, nil)
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestFinish(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "")
	_, err := store.Claim(ctx, rec.JobID, "worker-1")
	require.NoError(t, err)

	require.NoError(t, store.Finish(ctx, rec.JobID, `{"scores":[0.8]}`))

	got, err := store.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "complete", got.CurrentStep)
	assert.Equal(t, `{"scores":[0.8]}`, got.Result.String)
	assert.False(t, got.ErrorKind.Valid)
}

func TestTerminalImmutability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "")
	_, err := store.Claim(ctx, rec.JobID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, rec.JobID, ErrorKindExecution, "lyrics provider returned 500"))

	assert.ErrorIs(t, store.Finish(ctx, rec.JobID, `{}`), ErrTerminalState)
	assert.ErrorIs(t, store.Fail(ctx, rec.JobID, ErrorKindTimeout, "late"), ErrTerminalState)
	assert.ErrorIs(t, store.RequestCancel(ctx, rec.JobID), ErrTerminalState)

	got, err := store.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ErrorKindExecution, got.ErrorKind.String)
	assert.Equal(t, "lyrics provider returned 500", got.ErrorMessage.String)
	assert.False(t, got.Result.Valid)
}

func TestRequestCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTestJob(t, store, "")

	flag, err := store.IsCancelRequested(ctx, rec.JobID)
	require.NoError(t, err)
	assert.False(t, flag)

	require.NoError(t, store.RequestCancel(ctx, rec.JobID))

	flag, err = store.IsCancelRequested(ctx, rec.JobID)
	require.NoError(t, err)
	assert.True(t, flag)

	_, err = store.IsCancelRequested(ctx, "33333333-3333-3333-3333-333333333333")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueueStatsAndActiveJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := enqueueTestJob(t, store, "")
	b := enqueueTestJob(t, store, "")
	enqueueTestJob(t, store, "")

	_, err := store.Claim(ctx, a.JobID, "worker-1")
	require.NoError(t, err)
	_, err = store.Claim(ctx, b.JobID, "worker-2")
	require.NoError(t, err)
	require.NoError(t, store.ReportProgress(ctx, b.JobID, 0.75, "analyzing", nil, nil))
	require.NoError(t, store.Finish(ctx, a.JobID, `{}`))

	stats, err := store.QueueStats(ctx, "interactive")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Active)

	active, err := store.ActiveJobs(ctx, "interactive")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.JobID, active[0].JobID)
	assert.Equal(t, "playlist_analysis", active[0].JobType)
	assert.Equal(t, "playlist-42", active[0].TargetID)
	assert.Equal(t, 0.75, active[0].Progress)

	empty, err := store.QueueStats(ctx, "bulk")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Pending)
	assert.Equal(t, 0, empty.Active)
}

func TestChangedSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := enqueueTestJob(t, store, "")
	b := enqueueTestJob(t, store, "")

	time.Sleep(10 * time.Millisecond)
	since := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	_, err := store.Claim(ctx, b.JobID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.ReportProgress(ctx, b.JobID, 0.3, "fetching_lyrics", nil, nil))

	changed, err := store.ChangedSince(ctx, "playlist-42", since)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, b.JobID, changed[0].JobID)
	assert.Equal(t, 0.3, changed[0].Progress)

	// Nothing new after this instant.
	time.Sleep(10 * time.Millisecond)
	changed, err = store.ChangedSince(ctx, "playlist-42", time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, changed)

	_ = a
}

func TestPurgeTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	done := enqueueTestJob(t, store, "")
	live := enqueueTestJob(t, store, "")

	_, err := store.Claim(ctx, done.JobID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, done.JobID, `{}`))

	time.Sleep(10 * time.Millisecond)

	purged, err := store.PurgeTerminal(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.Get(ctx, done.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = store.Get(ctx, live.JobID)
	assert.NoError(t, err)
}

func TestList_CursorPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		rec := enqueueTestJob(t, store, "")
		ids = append(ids, rec.JobID)
		time.Sleep(5 * time.Millisecond)
	}

	page, err := store.List(ctx, Filter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3) // one extra row signals more results

	cursor := &Cursor{CreatedAt: page[1].CreatedAt, JobID: page[1].JobID}
	next, err := store.List(ctx, Filter{PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.NotEmpty(t, next)
	assert.NotEqual(t, page[0].JobID, next[0].JobID)
	assert.NotEqual(t, page[1].JobID, next[0].JobID)

	filtered, err := store.List(ctx, Filter{PageSize: 10, Status: StatusQueued})
	require.NoError(t, err)
	assert.Len(t, filtered, 5)

	_ = ids
}
