// Package routing decides which backend capacity tier a batch is sent to.
// Small batches prefer the interactive tier (low latency, small concurrency
// ceiling), large batches prefer the bulk tier. Each tier carries a circuit
// breaker: a failed dispatch marks the tier unhealthy for a cool-down
// window and traffic falls back to the other tier.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tier identifies a backend execution pool
type Tier string

const (
	TierInteractive Tier = "interactive"
	TierBulk        Tier = "bulk"
)

// ErrRouterUnavailable is returned when both capacity tiers are unhealthy.
// Surfaced on the submission path before a job is created.
var ErrRouterUnavailable = errors.New("no healthy tier available")

// Publisher publishes a message under a routing key. Satisfied by the
// shared rabbitmq client.
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// TierConfig binds a tier to its queue and routing key
type TierConfig struct {
	QueueName  string
	RoutingKey string
}

// Config holds router policy settings
type Config struct {
	// BatchThreshold is the batch size at or above which the bulk tier
	// is preferred.
	BatchThreshold int
	// Cooldown is how long a tier stays unhealthy after a failed dispatch.
	Cooldown    time.Duration
	Interactive TierConfig
	Bulk        TierConfig
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// TierState is a diagnostic snapshot of one tier's breaker
type TierState struct {
	Tier      Tier      `json:"tier"`
	Healthy   bool      `json:"healthy"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

type tierInfo struct {
	cfg       TierConfig
	openUntil time.Time
}

// Router routes batches to tiers and tracks per-tier health
type Router struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	publisher Publisher
	logger    *slog.Logger
	tiers     map[Tier]*tierInfo
	now       func() time.Time
}

// NewRouter creates a Router
func NewRouter(cfg Config, publisher Publisher, logger *slog.Logger) *Router {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Router{
		threshold: cfg.BatchThreshold,
		cooldown:  cfg.Cooldown,
		publisher: publisher,
		logger:    logger,
		now:       now,
		tiers: map[Tier]*tierInfo{
			TierInteractive: {cfg: cfg.Interactive},
			TierBulk:        {cfg: cfg.Bulk},
		},
	}
}

// preference returns tiers in preferred order for a batch size
func (r *Router) preference(batchSize int) [2]Tier {
	if batchSize < r.threshold {
		return [2]Tier{TierInteractive, TierBulk}
	}
	return [2]Tier{TierBulk, TierInteractive}
}

// Route resolves the tier for a batch size without side effects. Breaker
// state is only ever updated by real dispatch attempts.
func (r *Router) Route(batchSize int) (Tier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tier := range r.preference(batchSize) {
		if r.healthyLocked(tier) {
			return tier, nil
		}
	}

	return "", ErrRouterUnavailable
}

// QueueName returns the queue backing a tier
func (r *Router) QueueName(tier Tier) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tiers[tier].cfg.QueueName
}

// Dispatch publishes the job message to the resolved tier. A publish
// failure trips that tier's breaker and falls back to the other tier;
// a successful publish to a tier that was open resets its breaker.
func (r *Router) Dispatch(ctx context.Context, jobID string, batchSize int) (Tier, error) {
	body, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job message: %w", err)
	}

	var lastErr error
	for _, tier := range r.preference(batchSize) {
		r.mu.Lock()
		healthy := r.healthyLocked(tier)
		routingKey := r.tiers[tier].cfg.RoutingKey
		r.mu.Unlock()

		if !healthy {
			continue
		}

		if err := r.publisher.PublishWithRetry(ctx, routingKey, body, "application/json"); err != nil {
			lastErr = err
			r.trip(tier)
			r.logger.Warn("Dispatch failed, tier marked unhealthy",
				slog.String("tier", string(tier)),
				slog.String("job_id", jobID),
				slog.Duration("cooldown", r.cooldown),
				slog.Any("error", err),
			)
			continue
		}

		r.reset(tier)
		r.logger.Debug("Job dispatched",
			slog.String("tier", string(tier)),
			slog.String("job_id", jobID),
			slog.Int("batch_size", batchSize),
		)
		return tier, nil
	}

	if lastErr != nil {
		return "", fmt.Errorf("%w: %s", ErrRouterUnavailable, lastErr)
	}
	return "", ErrRouterUnavailable
}

// State returns diagnostic snapshots of both tiers
func (r *Router) State() []TierState {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]TierState, 0, len(r.tiers))
	for _, tier := range [2]Tier{TierInteractive, TierBulk} {
		states = append(states, TierState{
			Tier:      tier,
			Healthy:   r.healthyLocked(tier),
			OpenUntil: r.tiers[tier].openUntil,
		})
	}
	return states
}

func (r *Router) healthyLocked(tier Tier) bool {
	return !r.now().Before(r.tiers[tier].openUntil)
}

func (r *Router) trip(tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[tier].openUntil = r.now().Add(r.cooldown)
}

func (r *Router) reset(tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[tier].openUntil = time.Time{}
}
