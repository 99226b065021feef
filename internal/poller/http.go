package poller

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lyricdash/analysis-be/internal/jobstore"
)

type statusProgress struct {
	Progress    float64           `json:"progress"`
	CurrentStep string            `json:"current_step"`
	ETASeconds  *float64          `json:"eta_seconds"`
	Status      string            `json:"status"`
	Metadata    jobstore.Metadata `json:"metadata"`
}

type statusResponse struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error"`
	Progress *statusProgress `json:"progress"`
}

// NewHTTPStatusFunc builds a StatusFunc that queries the job status
// endpoint of an API service instance.
func NewHTTPStatusFunc(baseURL string, client *http.Client) StatusFunc {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, jobID string) (*jobstore.Record, error) {
		url := fmt.Sprintf("%s/api/v1/jobs/%s/status", baseURL, jobID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build status request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("status request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, jobstore.ErrJobNotFound
		}

		var body statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("failed to decode status response: %w", err)
		}

		if !body.Success || body.Progress == nil {
			return nil, fmt.Errorf("status query rejected: %s", body.Error)
		}

		rec := &jobstore.Record{
			JobID:       jobID,
			Status:      body.Progress.Status,
			Progress:    body.Progress.Progress,
			CurrentStep: body.Progress.CurrentStep,
			Metadata:    body.Progress.Metadata,
		}
		if body.Progress.ETASeconds != nil {
			rec.ETASeconds = sql.NullFloat64{Float64: *body.Progress.ETASeconds, Valid: true}
		}
		return rec, nil
	}
}
