package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter admits call placements at a bounded rate. It is a token bucket:
// tokens refill lazily at the configured per-second rate and never accumulate
// beyond the burst capacity, so idle periods do not buy unbounded bursts.
// Constructing one per dispatch run is cheap; there is no background timer.
type Limiter struct {
	bucket *rate.Limiter
}

// New builds a limiter admitting perSecond placements with the given burst
// capacity. Non-positive arguments fall back to 1.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Acquire blocks until one token is available and consumes it. It returns
// early with the context error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}
