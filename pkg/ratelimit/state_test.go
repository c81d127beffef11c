package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestRateLimitState_IsBlocked(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		state    *RateLimitState
		expected bool
	}{
		{
			name:     "zero state",
			state:    &RateLimitState{},
			expected: false,
		},
		{
			name:     "block in the future",
			state:    &RateLimitState{BlockedUntil: now.Add(time.Second)},
			expected: true,
		},
		{
			name:     "block just ended",
			state:    &RateLimitState{BlockedUntil: now},
			expected: false,
		},
		{
			name:     "block in the past",
			state:    &RateLimitState{BlockedUntil: now.Add(-time.Minute)},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsBlocked(now); got != tt.expected {
				t.Errorf("IsBlocked() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestRateLimitState_TimeUntilReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	future := &RateLimitState{BlockedUntil: now.Add(30 * time.Second)}
	if got := future.TimeUntilReset(now); got != 30*time.Second {
		t.Errorf("TimeUntilReset() = %v, expected 30s", got)
	}

	past := &RateLimitState{BlockedUntil: now.Add(-30 * time.Second)}
	if got := past.TimeUntilReset(now); got != 0 {
		t.Errorf("TimeUntilReset() = %v, expected 0 for past reset", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		expected time.Duration
		ok       bool
	}{
		{name: "seconds", value: "5", expected: 5 * time.Second, ok: true},
		{name: "padded seconds", value: " 2 ", expected: 2 * time.Second, ok: true},
		{name: "zero", value: "0", expected: 0, ok: true},
		{name: "capped", value: "3600", expected: MaxRetryAfter, ok: true},
		{name: "http date", value: now.Add(10 * time.Second).Format(http.TimeFormat), expected: 10 * time.Second, ok: true},
		{name: "http date in the past", value: now.Add(-time.Minute).Format(http.TimeFormat), expected: 0, ok: true},
		{name: "empty", value: "", ok: false},
		{name: "negative", value: "-1", ok: false},
		{name: "garbage", value: "soon", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.ok {
				t.Fatalf("ParseRetryAfter(%q) ok = %v, expected %v", tt.value, ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("ParseRetryAfter(%q) = %v, expected %v", tt.value, got, tt.expected)
			}
		})
	}
}
