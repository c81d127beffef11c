// Package ratelimit shares upstream rate limit backoff across proxy instances.
// When the upstream answers 429 Too Many Requests, the Retry-After delay is
// stored in Redis and every instance holds its upstream requests until the
// delay has passed.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RedisKeyState holds the JSON encoded RateLimitState. It expires together
// with the block.
const RedisKeyState = "autopage:rate_limit:state"

const (
	// DefaultRetryAfter is used when a 429 response has no usable Retry-After.
	DefaultRetryAfter = time.Second

	// MaxRetryAfter caps the delay taken from a Retry-After header.
	MaxRetryAfter = 5 * time.Minute
)

// RateLimitState is the backoff state shared via Redis.
type RateLimitState struct {
	// BlockedUntil is the earliest time the upstream may be contacted again.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when a 429 was last observed.
	LastUpdate time.Time `json:"last_update"`
}

// IsBlocked reports whether requests must wait at now.
func (s *RateLimitState) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilReset returns the remaining block at now, or 0.
func (s *RateLimitState) TimeUntilReset(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ParseRetryAfter reads a Retry-After header given either in seconds or as
// an HTTP date. The result is capped at MaxRetryAfter.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	} else {
		at, err := http.ParseTime(value)
		if err != nil {
			return 0, false
		}
		d = at.Sub(now)
		if d < 0 {
			d = 0
		}
	}

	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	return d, true
}
