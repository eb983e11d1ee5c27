package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) using the provided Clock.
//
// The reference time only advances by whole tokens earned, so fractional
// refill is never lost to truncation between calls.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < tokens {
		return false
	}
	b.available -= tokens
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	if b.rate <= 0 || b.capacity <= 0 {
		b.last = now
		return
	}

	elapsed := now.Sub(b.last).Nanoseconds()
	earned := elapsed / int64(time.Second) * b.rate
	if rem := elapsed % int64(time.Second); rem > 0 {
		earned += rem * b.rate / int64(time.Second)
	}
	if earned <= 0 {
		return
	}

	if b.available+earned >= b.capacity {
		b.available = b.capacity
		b.last = now
		return
	}

	b.available += earned
	// Advance only by the time the earned tokens account for.
	b.last = b.last.Add(time.Duration(earned * int64(time.Second) / b.rate))
}
