package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAcquireBurstThenThrottles(t *testing.T) {
	l := New(100, 2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Fatalf("burst acquires should not block, took %v", elapsed)
	}

	// Third token must wait for refill at 100/s, ~10ms.
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire after burst: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 8*time.Millisecond {
		t.Fatalf("expected third acquire to be rate limited, elapsed %v", elapsed)
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	l := New(0.1, 1)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(cancelCtx); err == nil {
		t.Fatal("expected context error while waiting for a slow refill")
	}
}

func TestNewClampsArguments(t *testing.T) {
	l := New(-1, 0)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("limiter with clamped config should still admit: %v", err)
	}
}
