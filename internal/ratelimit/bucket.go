// Package ratelimit bounds the rate at which the publishing engine hands
// messages to the transport.
package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// TokenBucket is a refillable budget of send permits.
//
// Refill is lazy: elapsed time is converted into whole tokens when the bucket
// is queried, so no background goroutine is needed. The bucket never holds
// more than Capacity tokens and never goes negative.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type TokenBucket struct {
	mu sync.Mutex

	capacity     int
	remaining    int
	refillPeriod time.Duration
	lastRefill   time.Time

	now Clock
}

// NewTokenBucket creates a full bucket of capacity tokens that regains one
// token every refillPeriod. A capacity below 1 is treated as 1 and a
// non-positive refillPeriod disables limiting.
func NewTokenBucket(capacity int, refillPeriod time.Duration) *TokenBucket {
	return NewTokenBucketWithClock(capacity, refillPeriod, time.Now)
}

// NewTokenBucketWithClock is NewTokenBucket with an explicit time source.
func NewTokenBucketWithClock(capacity int, refillPeriod time.Duration, now Clock) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		capacity:     capacity,
		remaining:    capacity,
		refillPeriod: refillPeriod,
		lastRefill:   now(),
		now:          now,
	}
}

// TryAcquire takes one token if available.
//
// Returns:
//   - bool: true if a token was granted
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refillPeriod <= 0 {
		return true
	}

	b.refill(b.now())
	if b.remaining < 1 {
		return false
	}
	b.remaining--
	return true
}

// TimeUntilNextToken returns how long until TryAcquire can succeed.
// It is zero when a token is already available.
func (b *TokenBucket) TimeUntilNextToken() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refillPeriod <= 0 {
		return 0
	}

	now := b.now()
	b.refill(now)
	if b.remaining > 0 {
		return 0
	}
	wait := b.lastRefill.Add(b.refillPeriod).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Remaining returns the number of tokens currently available.
func (b *TokenBucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refillPeriod > 0 {
		b.refill(b.now())
	}
	return b.remaining
}

// Capacity returns the maximum number of tokens.
func (b *TokenBucket) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Reconfigure changes the bucket's limits. Remaining tokens are clamped to
// the new capacity; the refill clock restarts.
func (b *TokenBucket) Reconfigure(capacity int, refillPeriod time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if capacity < 1 {
		capacity = 1
	}
	b.capacity = capacity
	b.refillPeriod = refillPeriod
	if b.remaining > capacity {
		b.remaining = capacity
	}
	b.lastRefill = b.now()
}

// refill converts whole elapsed refill periods into tokens. lastRefill only
// advances by whole periods so fractional progress is kept. Must hold b.mu.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.refillPeriod {
		if elapsed < 0 {
			// Wall clock stepped backwards.
			b.lastRefill = now
		}
		return
	}

	periods := int64(elapsed / b.refillPeriod)
	if b.remaining >= b.capacity {
		b.lastRefill = now
		return
	}

	missing := int64(b.capacity - b.remaining)
	if periods >= missing {
		b.remaining = b.capacity
		b.lastRefill = now
		return
	}
	b.remaining += int(periods)
	b.lastRefill = b.lastRefill.Add(time.Duration(periods) * b.refillPeriod)
}
