package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff for transient placement failures.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Normalize fills unset fields with safe defaults.
func (p Policy) Normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay returns the backoff before retry attempt n (1-based), capped at
// MaxDelay, plus uniform jitter up to 10% so concurrently failing calls do
// not retry in lockstep.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	exponent := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(p.InitialDelay) * exponent)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if rng != nil {
		delay += time.Duration(rng.Float64() * 0.1 * float64(delay))
	}
	return delay
}

// Do executes fn up to MaxRetries+1 times, sleeping per the policy between
// attempts. A failure is retried only when retryable(err) reports true;
// anything else returns immediately. The attempt count is always returned so
// callers can persist it.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error)) (T, int, error) {
	p = p.Normalize()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !retryable(err) || attempt > p.MaxRetries {
			return zero, attempt, err
		}

		timer := time.NewTimer(p.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, p.MaxRetries + 1, lastErr
}
