package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := Policy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

	calls := 0
	start := time.Now()
	result, attempts, err := Do(context.Background(), p, isTransient, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "call-123", nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "call-123" {
		t.Fatalf("unexpected result %q", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	// First retry waits >=10ms, second >=20ms.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected backoff of at least 30ms, elapsed %v", elapsed)
	}
}

func TestDoPermanentErrorFailsImmediately(t *testing.T) {
	p := Policy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond}

	_, attempts, err := Do(context.Background(), p, isTransient, func(context.Context) (string, error) {
		return "", errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	p := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	_, attempts, err := Do(context.Background(), p, isTransient, func(context.Context) (string, error) {
		return "", errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := Policy{MaxRetries: 5, InitialDelay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := Do(ctx, p, isTransient, func(context.Context) (string, error) {
		return "", errTransient
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	p := Policy{MaxRetries: 10, InitialDelay: time.Second, MaxDelay: 4 * time.Second}.Normalize()
	if d := p.Delay(1, nil); d != time.Second {
		t.Fatalf("attempt 1 delay = %v, want 1s", d)
	}
	if d := p.Delay(2, nil); d != 2*time.Second {
		t.Fatalf("attempt 2 delay = %v, want 2s", d)
	}
	if d := p.Delay(8, nil); d != 4*time.Second {
		t.Fatalf("attempt 8 delay = %v, want cap 4s", d)
	}
}
