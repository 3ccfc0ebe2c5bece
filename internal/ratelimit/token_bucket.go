package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) read from a Clock.
//
// Token accounting uses fixed-point "nano-tokens" (1 token = 1e9 nano-tokens)
// so refills never accumulate float rounding error. With that representation a
// rate of X tokens/sec adds exactly X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a bucket that starts full. A nil clock means
// RealClock. Non-positive capacity or rate yields a bucket that rejects
// everything once the initial burst drains.
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
		available: tokensToNano(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := tokensToNano(n)

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
		// Clock moved backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capacityNano := tokensToNano(b.capacity)
	need := capacityNano - b.available
	if need <= 0 {
		b.available = capacityNano
		return
	}

	// fillRate tokens/sec == fillRate nano-tokens/ns. Clamp to capacity before
	// multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/b.fillRate {
		b.available = capacityNano
		return
	}
	b.available += elapsed * b.fillRate
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
