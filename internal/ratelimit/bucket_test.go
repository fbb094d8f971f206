package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucketWithClock(2, 100*time.Millisecond, clock.Now)

	grants := []bool{b.TryAcquire(), b.TryAcquire(), b.TryAcquire()}
	assert.Equal(t, []bool{true, true, false}, grants)

	clock.Advance(100 * time.Millisecond)
	assert.True(t, b.TryAcquire(), "a token should be available after one refill period")
	assert.False(t, b.TryAcquire())
}

func TestTokenBucket_RealClockScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("uses wall-clock sleep")
	}
	b := NewTokenBucket(2, 100*time.Millisecond)

	assert.Equal(t, []bool{true, true, false}, []bool{b.TryAcquire(), b.TryAcquire(), b.TryAcquire()})

	time.Sleep(100 * time.Millisecond)
	assert.True(t, b.TryAcquire())
}

func TestTokenBucket_TimeUntilNextToken(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucketWithClock(1, time.Second, clock.Now)

	assert.Zero(t, b.TimeUntilNextToken(), "full bucket needs no wait")
	require.True(t, b.TryAcquire())

	assert.Equal(t, time.Second, b.TimeUntilNextToken())

	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, 700*time.Millisecond, b.TimeUntilNextToken())

	clock.Advance(700 * time.Millisecond)
	assert.Zero(t, b.TimeUntilNextToken())
	assert.True(t, b.TryAcquire())
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucketWithClock(3, 50*time.Millisecond, clock.Now)

	clock.Advance(time.Hour)
	assert.Equal(t, 3, b.Remaining())

	for i := 0; i < 3; i++ {
		require.True(t, b.TryAcquire())
	}
	assert.Equal(t, 0, b.Remaining())
	assert.False(t, b.TryAcquire())
	assert.Equal(t, 0, b.Remaining(), "a denied acquire must not go negative")
}

func TestTokenBucket_FractionalProgressKept(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucketWithClock(5, 100*time.Millisecond, clock.Now)
	for i := 0; i < 5; i++ {
		require.True(t, b.TryAcquire())
	}

	// 250ms is two whole periods plus half of a third.
	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, 2, b.Remaining())

	clock.Advance(50 * time.Millisecond)
	assert.Equal(t, 3, b.Remaining(), "the leftover 50ms should count toward the next token")
}

// Grants observed while polling continuously must never exceed capacity in
// any half-open window of one refill period.
func TestTokenBucket_WindowProperty(t *testing.T) {
	const (
		capacity = 4
		period   = 100 * time.Millisecond
		step     = time.Millisecond
		total    = 2 * time.Second
	)
	clock := newFakeClock()
	start := clock.Now()
	b := NewTokenBucketWithClock(capacity, period, clock.Now)

	var grants []time.Duration
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		// Several callers hammer the bucket at the same instant.
		for i := 0; i < 3; i++ {
			if b.TryAcquire() {
				grants = append(grants, clock.Now().Sub(start))
			}
		}
		clock.Advance(step)
	}

	require.NotEmpty(t, grants)
	for i := range grants {
		inWindow := 0
		for j := i; j < len(grants) && grants[j] < grants[i]+period; j++ {
			inWindow++
		}
		require.LessOrEqualf(t, inWindow, capacity, "window starting at %v granted %d tokens", grants[i], inWindow)
	}
}

func TestTokenBucket_Reconfigure(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucketWithClock(10, time.Second, clock.Now)

	b.Reconfigure(2, 10*time.Millisecond)
	assert.Equal(t, 2, b.Capacity())
	assert.Equal(t, 2, b.Remaining(), "remaining is clamped to the new capacity")

	require.True(t, b.TryAcquire())
	require.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())

	clock.Advance(10 * time.Millisecond)
	assert.True(t, b.TryAcquire())
}

func TestTokenBucket_DisabledWhenPeriodZero(t *testing.T) {
	b := NewTokenBucket(1, 0)
	for i := 0; i < 100; i++ {
		require.True(t, b.TryAcquire())
	}
	assert.Zero(t, b.TimeUntilNextToken())
}

func TestTokenBucket_ClockStepBack(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucketWithClock(1, 100*time.Millisecond, clock.Now)
	require.True(t, b.TryAcquire())

	clock.Advance(-time.Hour)
	assert.False(t, b.TryAcquire())

	clock.Advance(100 * time.Millisecond)
	assert.True(t, b.TryAcquire(), "refill resumes from the stepped-back time")
}

func TestTokenBucket_Concurrent(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucketWithClock(50, time.Hour, clock.Now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if b.TryAcquire() {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, granted)
}
