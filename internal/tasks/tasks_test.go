package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyricdash/analysis-be/internal/jobstore"
)

type fakeLyrics struct {
	err error
}

func (f *fakeLyrics) FetchLyrics(_ context.Context, artist, title string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "lyrics of " + title + " by " + artist, nil
}

type fakeScorer struct {
	err error
}

func (f *fakeScorer) ScoreLyrics(_ context.Context, lyrics string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 0.5, nil
}

type checkpoint struct {
	progress float64
	step     string
	meta     jobstore.Metadata
}

func captureReporter(calls *[]checkpoint) ReportFunc {
	return func(_ context.Context, progress float64, step string, meta jobstore.Metadata) error {
		copied := jobstore.Metadata{}
		for k, v := range meta {
			copied[k] = v
		}
		*calls = append(*calls, checkpoint{progress, step, copied})
		return nil
	}
}

func playlistRecord(t *testing.T, tracks []Track) *jobstore.Record {
	t.Helper()
	payload, err := json.Marshal(playlistPayload{Tracks: tracks})
	require.NoError(t, err)
	return &jobstore.Record{JobID: "job-1", JobType: "playlist_analysis", Payload: string(payload)}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewPlaylistAnalysis(&fakeLyrics{}, &fakeScorer{}, 0))
	reg.Register(&LyricsFetch{Lyrics: &fakeLyrics{}})

	task, ok := reg.Get("playlist_analysis")
	require.True(t, ok)
	assert.Equal(t, "playlist_analysis", task.Type())

	_, ok = reg.Get("video_transcode")
	assert.False(t, ok)

	assert.Equal(t, []string{"lyrics_fetch", "playlist_analysis"}, reg.Types())
}

func TestPlaylistAnalysis_Run(t *testing.T) {
	task := NewPlaylistAnalysis(&fakeLyrics{}, &fakeScorer{}, 0)
	rec := playlistRecord(t, []Track{
		{ID: "t1", Title: "First Song", Artist: "Band A"},
		{ID: "t2", Title: "Second Song", Artist: "Band B"},
	})

	var calls []checkpoint
	result, err := task.Run(context.Background(), rec, captureReporter(&calls))
	require.NoError(t, err)

	var parsed struct {
		AnalyzedTracks int          `json:"analyzed_tracks"`
		TrackScores    []TrackScore `json:"track_scores"`
	}
	require.NoError(t, json.Unmarshal([]byte(result), &parsed))
	assert.Equal(t, 2, parsed.AnalyzedTracks)
	require.Len(t, parsed.TrackScores, 2)
	assert.Equal(t, "t1", parsed.TrackScores[0].TrackID)
	assert.Equal(t, 0.5, parsed.TrackScores[0].Score)

	require.NotEmpty(t, calls)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].progress, calls[i-1].progress, "checkpoint progress must be monotonic")
	}
	assert.Equal(t, "fetching_lyrics", calls[0].step)
	assert.Equal(t, 2, calls[0].meta["total_items"])
	assert.Equal(t, "First Song", calls[0].meta["current_item"])

	last := calls[len(calls)-1]
	assert.Equal(t, 1.0, last.progress)
	assert.Equal(t, 2, last.meta["processed_items"])
}

func TestPlaylistAnalysis_EmptyPayload(t *testing.T) {
	task := NewPlaylistAnalysis(&fakeLyrics{}, &fakeScorer{}, 0)

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"tracks":`},
		{"no tracks", `{"tracks":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &jobstore.Record{Payload: tt.payload}
			_, err := task.Run(context.Background(), rec, captureReporter(&[]checkpoint{}))
			var domainErr *DomainError
			require.ErrorAs(t, err, &domainErr)
			assert.Equal(t, "parse_payload", domainErr.Step)
		})
	}
}

func TestPlaylistAnalysis_ClientFailures(t *testing.T) {
	rec := playlistRecord(t, []Track{{ID: "t1", Title: "Song", Artist: "Band"}})

	t.Run("lyrics provider down", func(t *testing.T) {
		task := NewPlaylistAnalysis(&fakeLyrics{err: errors.New("provider 500")}, &fakeScorer{}, 0)
		_, err := task.Run(context.Background(), rec, captureReporter(&[]checkpoint{}))
		var domainErr *DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "fetching_lyrics", domainErr.Step)
	})

	t.Run("scorer down", func(t *testing.T) {
		task := NewPlaylistAnalysis(&fakeLyrics{}, &fakeScorer{err: errors.New("model overloaded")}, 0)
		_, err := task.Run(context.Background(), rec, captureReporter(&[]checkpoint{}))
		var domainErr *DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "analyzing", domainErr.Step)
	})
}

func TestPlaylistAnalysis_CancellationPropagates(t *testing.T) {
	task := NewPlaylistAnalysis(&fakeLyrics{}, &fakeScorer{}, 0)
	rec := playlistRecord(t, []Track{
		{ID: "t1", Title: "One", Artist: "A"},
		{ID: "t2", Title: "Two", Artist: "B"},
	})

	n := 0
	report := func(context.Context, float64, string, jobstore.Metadata) error {
		n++
		if n >= 3 {
			return jobstore.ErrCancelled
		}
		return nil
	}

	_, err := task.Run(context.Background(), rec, report)
	assert.ErrorIs(t, err, jobstore.ErrCancelled)
	assert.Equal(t, 3, n, "task must stop at the checkpoint that observed cancellation")
}

func TestLyricsFetch_Run(t *testing.T) {
	task := &LyricsFetch{Lyrics: &fakeLyrics{}}
	payload, err := json.Marshal(lyricsFetchPayload{Track: Track{ID: "t9", Title: "Solo", Artist: "Band"}})
	require.NoError(t, err)
	rec := &jobstore.Record{JobID: "job-2", Payload: string(payload)}

	var calls []checkpoint
	result, err := task.Run(context.Background(), rec, captureReporter(&calls))
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(result), &parsed))
	assert.Equal(t, "t9", parsed["track_id"])
	assert.NotZero(t, parsed["lyrics_chars"])

	require.Len(t, calls, 2)
	assert.Equal(t, "fetching_lyrics", calls[0].step)
	assert.Equal(t, 1.0, calls[1].progress)
}

func TestHTTPLyricsClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "Band", r.URL.Query().Get("artist"))
		assert.Equal(t, "Song", r.URL.Query().Get("title"))
		fmt.Fprint(w, `{"lyrics":"la la la"}`)
	}))
	defer srv.Close()

	client := NewHTTPLyricsClient(srv.URL, "test-token", 5*time.Second)
	lyrics, err := client.FetchLyrics(context.Background(), "Band", "Song")
	require.NoError(t, err)
	assert.Equal(t, "la la la", lyrics)
}

func TestHTTPLyricsClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPLyricsClient(srv.URL, "t", 5*time.Second)
	_, err := client.FetchLyrics(context.Background(), "Band", "Song")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPScoreClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "some lyrics", body["lyrics"])
		fmt.Fprint(w, `{"score":0.87}`)
	}))
	defer srv.Close()

	client := NewHTTPScoreClient(srv.URL, "test-token", 5*time.Second)
	score, err := client.ScoreLyrics(context.Background(), "some lyrics")
	require.NoError(t, err)
	assert.Equal(t, 0.87, score)
}
