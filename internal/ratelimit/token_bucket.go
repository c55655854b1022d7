package ratelimit

import (
	"sync"
	"time"
)

// nanosPerToken converts between tokens and the fixed-point representation
// used internally. One token equals 1e9 nano-tokens, so a fill rate of X
// tokens/sec accrues X nano-tokens per elapsed nanosecond.
const nanosPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilled at an integer
// tokens-per-second rate from a provided Clock.
//
// It bounds how often callers may trigger a reconnect; a capacity of N with a
// matching fill rate allows short bursts of N while converging on N/sec.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: saturatingTokensToNanos(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := saturatingTokensToNanos(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capNanos := saturatingTokensToNanos(b.capacity)
	need := capNanos - b.available
	if need <= 0 {
		b.available = capNanos
		return
	}

	// elapsed*fillRate can overflow for very long gaps; if the gap is long
	// enough to fill the bucket, clamp to capacity instead of multiplying.
	if elapsed >= need/b.fillRate {
		b.available = capNanos
		return
	}
	b.available += elapsed * b.fillRate
}

func saturatingTokensToNanos(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	const maxInt64 = int64(^uint64(0) >> 1)
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
