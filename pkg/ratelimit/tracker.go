package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopage_rate_limit_hits_total",
		Help: "Total number of 429 responses received from the upstream",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopage_rate_limit_waits_total",
		Help: "Total number of upstream requests held back by an active rate limit",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopage_rate_limit_wait_seconds",
		Help:    "Time upstream requests spent waiting for a rate limit to clear",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// ErrWaitCancelled is returned by Wait when ctx ends before the block does.
var ErrWaitCancelled = errors.New("rate limit wait cancelled")

// Tracker records upstream rate limits in Redis and gates requests on them.
// It implements client.Limiter.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// GetState retrieves the current rate limit state from Redis.
// Returns an unblocked state if no data exists in Redis.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	data, err := t.redis.Get(ctx, RedisKeyState).Bytes()
	if errors.Is(err, redis.Nil) {
		return &RateLimitState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	var state RateLimitState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse rate limit state: %w", err)
	}
	return &state, nil
}

// Observe records a response. Only 429 responses change the state; the
// block lasts for Retry-After, or DefaultRetryAfter without one. A block
// never shrinks an existing longer one.
func (t *Tracker) Observe(ctx context.Context, statusCode int, header http.Header) error {
	if statusCode != http.StatusTooManyRequests {
		return nil
	}
	rateLimitHitsTotal.Inc()

	now := t.now()
	wait, ok := ParseRetryAfter(header.Get("Retry-After"), now)
	if !ok {
		wait = DefaultRetryAfter
	}
	if wait <= 0 {
		return nil
	}

	current, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	state := &RateLimitState{BlockedUntil: now.Add(wait), LastUpdate: now}
	if current.BlockedUntil.After(state.BlockedUntil) {
		state.BlockedUntil = current.BlockedUntil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}
	if err := t.redis.Set(ctx, RedisKeyState, data, state.TimeUntilReset(now)).Err(); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	t.logger.Warn().
		Dur("retry_after", wait).
		Time("blocked_until", state.BlockedUntil).
		Msg("Upstream rate limit hit - holding requests")
	return nil
}

// Wait blocks until no rate limit is active or ctx is done. Redis failures
// are logged and do not hold requests back.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable - allowing request")
		return nil
	}

	wait := state.TimeUntilReset(t.now())
	if wait <= 0 {
		return nil
	}

	rateLimitWaitsTotal.Inc()
	t.logger.Debug().Dur("wait_duration", wait).Msg("Rate limit active - delaying request")

	start := time.Now()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		rateLimitWaitSeconds.Observe(time.Since(start).Seconds())
		return fmt.Errorf("%w: %v", ErrWaitCancelled, ctx.Err())
	case <-timer.C:
		rateLimitWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	}
}
