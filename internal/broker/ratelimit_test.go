package broker

import (
	"context"
	"testing"
	"time"
)

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.tokens != 10 {
		t.Errorf("tokens = %v, want 10", tb.tokens)
	}
}

func TestTokenBucketWaitImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	// Should consume tokens without blocking
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestTokenBucketWaitBlocks(t *testing.T) {
	t.Parallel()
	// 1 token capacity, refills at 10/sec, so roughly 100ms per token
	tb := NewTokenBucket(1, 10)

	// Consume the single token
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Next Wait should block ~100ms
	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1) // very slow refill

	// Exhaust the token
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	if err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestPacerSpacesCallsPerKey(t *testing.T) {
	t.Parallel()
	p := NewPacer(80 * time.Millisecond)

	if err := p.Wait(context.Background(), "orders"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := p.Wait(context.Background(), "orders"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("second call waited %v, want >= 80ms", elapsed)
	}
}

func TestPacerJitterBoundedByRemainder(t *testing.T) {
	t.Parallel()
	// Jitter scales with the wait still owed, never the full gap.
	for i := 0; i < 200; i++ {
		if j := jitterFor(100 * time.Millisecond); j < 0 || j > 10*time.Millisecond {
			t.Fatalf("jitter %v outside [0, 10ms] for a 100ms remainder", j)
		}
	}
	if j := jitterFor(5); j != 0 {
		t.Fatalf("near-zero remainder must not jitter, got %v", j)
	}
}

func TestPacerIndependentKeys(t *testing.T) {
	t.Parallel()
	p := NewPacer(500 * time.Millisecond)

	if err := p.Wait(context.Background(), "orders"); err != nil {
		t.Fatal(err)
	}
	// A different key must not inherit the "orders" spacing.
	start := time.Now()
	if err := p.Wait(context.Background(), "candles"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("unrelated key waited %v, expected immediate", elapsed)
	}
}

func TestLimiterAcquire(t *testing.T) {
	t.Parallel()
	l := NewLimiter(5, 100, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background(), "price"); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
}
