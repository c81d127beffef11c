package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
)

// Limiter gates upstream attempts. It has the method set of client.Limiter.
type Limiter interface {
	Wait(ctx context.Context) error
	Observe(ctx context.Context, statusCode int, header http.Header) error
}

// Throttle paces upstream requests of this process with a token bucket.
// Unlike Tracker it is not shared between instances.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows requestsPerSecond with bursts of up to burst requests.
// A burst below 1 is raised to 1.
func NewThrottle(requestsPerSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Wait blocks until a request may be sent or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t.limiter.Tokens() < 1 {
		rateLimitWaitsTotal.Inc()
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrWaitCancelled, err)
	}
	return nil
}

// Observe is a no-op; the bucket does not react to upstream responses.
func (t *Throttle) Observe(context.Context, int, http.Header) error {
	return nil
}

// Chain runs several limiters as one. Wait stops at the first error;
// Observe reports to every limiter and joins their errors.
type Chain []Limiter

func (c Chain) Wait(ctx context.Context) error {
	for _, l := range c {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) Observe(ctx context.Context, statusCode int, header http.Header) error {
	var errs []error
	for _, l := range c {
		if err := l.Observe(ctx, statusCode, header); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
