package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/lyricdash/analysis-be/internal/jobstore"
)

// Track identifies one song inside a job payload
type Track struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// TrackScore is one per-track analysis result
type TrackScore struct {
	TrackID string  `json:"track_id"`
	Score   float64 `json:"score"`
}

type playlistPayload struct {
	Tracks []Track `json:"tracks"`
}

// PlaylistAnalysis scores every track of a playlist. Progress is reported
// per track with processed_items/total_items/current_item metadata.
type PlaylistAnalysis struct {
	Lyrics  LyricsClient
	Scorer  ScoreClient
	Limiter *rate.Limiter
}

// NewPlaylistAnalysis creates the playlist analysis task. requestsPerSec
// paces calls to the external lyrics provider; zero or negative disables
// pacing.
func NewPlaylistAnalysis(lyrics LyricsClient, scorer ScoreClient, requestsPerSec float64) *PlaylistAnalysis {
	limit := rate.Inf
	if requestsPerSec > 0 {
		limit = rate.Limit(requestsPerSec)
	}
	return &PlaylistAnalysis{
		Lyrics:  lyrics,
		Scorer:  scorer,
		Limiter: rate.NewLimiter(limit, 1),
	}
}

func (t *PlaylistAnalysis) Type() string {
	return "playlist_analysis"
}

func (t *PlaylistAnalysis) Run(ctx context.Context, rec *jobstore.Record, report ReportFunc) (string, error) {
	var payload playlistPayload
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		return "", &DomainError{Step: "parse_payload", Err: err}
	}

	total := len(payload.Tracks)
	if total == 0 {
		return "", &DomainError{Step: "parse_payload", Err: fmt.Errorf("payload contains no tracks")}
	}

	scores := make([]TrackScore, 0, total)
	for i, track := range payload.Tracks {
		meta := jobstore.Metadata{
			"total_items":     total,
			"processed_items": i,
			"current_item":    track.Title,
		}
		if err := report(ctx, float64(i)/float64(total), "fetching_lyrics", meta); err != nil {
			return "", err
		}

		if err := t.Limiter.Wait(ctx); err != nil {
			return "", &DomainError{Step: "fetching_lyrics", Err: err}
		}

		lyrics, err := t.Lyrics.FetchLyrics(ctx, track.Artist, track.Title)
		if err != nil {
			return "", &DomainError{Step: "fetching_lyrics", Err: fmt.Errorf("track %s: %w", track.ID, err)}
		}

		meta["current_item"] = track.Title
		if err := report(ctx, (float64(i)+0.5)/float64(total), "analyzing", meta); err != nil {
			return "", err
		}

		score, err := t.Scorer.ScoreLyrics(ctx, lyrics)
		if err != nil {
			return "", &DomainError{Step: "analyzing", Err: fmt.Errorf("track %s: %w", track.ID, err)}
		}

		scores = append(scores, TrackScore{TrackID: track.ID, Score: score})

		meta = jobstore.Metadata{
			"total_items":     total,
			"processed_items": i + 1,
			"current_item":    track.Title,
		}
		if err := report(ctx, float64(i+1)/float64(total), "analyzing", meta); err != nil {
			return "", err
		}
	}

	result, err := json.Marshal(map[string]any{
		"analyzed_tracks": total,
		"track_scores":    scores,
	})
	if err != nil {
		return "", &DomainError{Step: "marshal_result", Err: err}
	}

	return string(result), nil
}

type lyricsFetchPayload struct {
	Track Track `json:"track"`
}

// LyricsFetch retrieves lyrics for a single track
type LyricsFetch struct {
	Lyrics LyricsClient
}

func (t *LyricsFetch) Type() string {
	return "lyrics_fetch"
}

func (t *LyricsFetch) Run(ctx context.Context, rec *jobstore.Record, report ReportFunc) (string, error) {
	var payload lyricsFetchPayload
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		return "", &DomainError{Step: "parse_payload", Err: err}
	}

	meta := jobstore.Metadata{
		"total_items":     1,
		"processed_items": 0,
		"current_item":    payload.Track.Title,
	}
	if err := report(ctx, 0.1, "fetching_lyrics", meta); err != nil {
		return "", err
	}

	lyrics, err := t.Lyrics.FetchLyrics(ctx, payload.Track.Artist, payload.Track.Title)
	if err != nil {
		return "", &DomainError{Step: "fetching_lyrics", Err: err}
	}

	meta["processed_items"] = 1
	if err := report(ctx, 1, "analyzing", meta); err != nil {
		return "", err
	}

	result, err := json.Marshal(map[string]any{
		"track_id":     payload.Track.ID,
		"lyrics_chars": len(lyrics),
		"lyrics":       lyrics,
	})
	if err != nil {
		return "", &DomainError{Step: "marshal_result", Err: err}
	}

	return string(result), nil
}
