package connector

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is the per-connector-instance token bucket. Every source
// API call acquires a token first; backoff lives here and nowhere else,
// so callers never sleep.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter for the given sustained rate and
// burst.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if burst <= 0 {
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Acquire blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
