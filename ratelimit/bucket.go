package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brightquery/aigate/types"
)

// maxWaitSlice caps a single sleep inside WaitForTokens so waiters stay
// responsive to cancellation and newly freed capacity.
const maxWaitSlice = 100 * time.Millisecond

// TokenBucket is the admission-control primitive: it refills continuously
// at refillRate tokens per second and grants tokens up to capacity.
//
// The refill-and-spend sequence is a single critical section so two
// callers can never double-spend the same refill. All timing uses the
// monotonic clock via time.Since.
type TokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket starting full. capacity and refillRate
// must be positive; anything else is a configuration error surfaced at
// construction, not as an infinite wait later.
func NewTokenBucket(capacity int, refillRate float64) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, types.NewError(types.ErrFatalConfiguration,
			fmt.Sprintf("token bucket capacity must be positive, got %d", capacity))
	}
	if refillRate <= 0 {
		return nil, types.NewError(types.ErrFatalConfiguration,
			fmt.Sprintf("token bucket refill rate must be positive, got %f", refillRate))
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}, nil
}

// Acquire refills based on elapsed time, then spends n tokens if
// available. Non-blocking.
func (b *TokenBucket) Acquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// WaitForTokens blocks until n tokens could be acquired, sleeping
// proportionally to the shortfall (capped per iteration), and returns the
// total elapsed wait. Cancellation is always safe: no tokens are reserved
// while waiting.
func (b *TokenBucket) WaitForTokens(ctx context.Context, n int) (time.Duration, error) {
	if float64(n) > b.capacity {
		return 0, types.NewError(types.ErrFatalConfiguration,
			fmt.Sprintf("requested %d tokens exceeds bucket capacity %.0f", n, b.capacity))
	}

	start := time.Now()
	for {
		if b.Acquire(n) {
			return time.Since(start), nil
		}

		sleep := b.timeUntil(n)
		if sleep > maxWaitSlice {
			sleep = maxWaitSlice
		}

		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// refund returns n tokens to the bucket, capped at capacity. Used by the
// rate limiter to undo one half of a paired acquire when the other half
// fails, so admission never partially commits.
func (b *TokenBucket) refund(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += float64(n)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// timeUntil estimates how long until n tokens are available.
func (b *TokenBucket) timeUntil(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	shortfall := float64(n) - b.tokens
	if shortfall <= 0 {
		return 0
	}
	return time.Duration(shortfall / b.refillRate * float64(time.Second))
}

// refillLocked adds tokens for the elapsed interval. Caller holds the lock.
func (b *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

// Available returns the current token count after a refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Capacity returns the bucket capacity.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

// RefillRate returns the current refill rate in tokens per second.
func (b *TokenBucket) RefillRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refillRate
}

// SetRefillRate changes the refill rate, settling accrued tokens at the
// old rate first. Used by adaptive tuning; callers clamp the value.
func (b *TokenBucket) SetRefillRate(rate float64) {
	if rate <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.refillRate = rate
}

// Reset refills the bucket to capacity. Tests only.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = time.Now()
}
