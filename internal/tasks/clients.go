package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPLyricsClient fetches lyrics from the lyrics provider's search API
type HTTPLyricsClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPLyricsClient creates a lyrics client
func NewHTTPLyricsClient(baseURL, token string, timeout time.Duration) *HTTPLyricsClient {
	return &HTTPLyricsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchLyrics implements LyricsClient
func (c *HTTPLyricsClient) FetchLyrics(ctx context.Context, artist, title string) (string, error) {
	q := url.Values{}
	q.Set("artist", artist)
	q.Set("title", title)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/lyrics/search?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build lyrics request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("lyrics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lyrics provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Lyrics string `json:"lyrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode lyrics response: %w", err)
	}

	return body.Lyrics, nil
}

// HTTPScoreClient scores lyrics through the content scoring service
type HTTPScoreClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPScoreClient creates a scoring client
func NewHTTPScoreClient(baseURL, token string, timeout time.Duration) *HTTPScoreClient {
	return &HTTPScoreClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// ScoreLyrics implements ScoreClient
func (c *HTTPScoreClient) ScoreLyrics(ctx context.Context, lyrics string) (float64, error) {
	payload, err := json.Marshal(map[string]string{"lyrics": lyrics})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", strings.NewReader(string(payload)))
	if err != nil {
		return 0, fmt.Errorf("failed to build scoring request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scoring request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scoring service returned status %d", resp.StatusCode)
	}

	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode scoring response: %w", err)
	}

	return body.Score, nil
}
