// ratelimit.go implements request pacing for venue REST APIs.
//
// Two layers cooperate:
//
//   - TokenBucket: a smooth token bucket with continuous refill, one per
//     venue, capping overall request throughput.
//   - Pacer: per-endpoint-key minimum spacing with a small random jitter so
//     concurrent account loops on the same venue never fire in lockstep.
//
// Every adapter call must pass through its limiter's Acquire before touching
// the network.
package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Pacer enforces a minimum interval between calls sharing the same key, with
// up to 10% random jitter added to each wait.
type Pacer struct {
	mu       sync.Mutex
	minGap   time.Duration
	lastCall map[string]time.Time
}

// NewPacer creates a pacer with the given minimum spacing per key.
func NewPacer(minGap time.Duration) *Pacer {
	return &Pacer{minGap: minGap, lastCall: make(map[string]time.Time)}
}

// Wait blocks until at least minGap has elapsed since the last call for key,
// then records the call. Jitter of up to 10% of the remaining wait is added
// so callers sharing a key do not thunder in lockstep.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	p.mu.Lock()
	now := time.Now()
	last, ok := p.lastCall[key]
	var wait time.Duration
	if ok {
		if due := last.Add(p.minGap); due.After(now) {
			wait = due.Sub(now)
			wait += jitterFor(wait)
		}
	}
	p.lastCall[key] = now.Add(wait)
	p.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// jitterFor returns a random addition of at most 10% of the remaining wait.
func jitterFor(wait time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(wait)/10 + 1))
}

// Limiter combines the venue-wide bucket with the per-endpoint pacer.
// Endpoint keys are coarse: "orders", "candles", "positions", "price".
type Limiter struct {
	bucket *TokenBucket
	pacer  *Pacer
}

// NewLimiter creates a limiter sized for a venue's published limits.
func NewLimiter(burst, ratePerSecond float64, minGap time.Duration) *Limiter {
	return &Limiter{
		bucket: NewTokenBucket(burst, ratePerSecond),
		pacer:  NewPacer(minGap),
	}
}

// Acquire blocks until both the pacer and the bucket admit a request for key.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	if err := l.pacer.Wait(ctx, key); err != nil {
		return err
	}
	return l.bucket.Wait(ctx)
}
