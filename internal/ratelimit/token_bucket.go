package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so limiter behaviour can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket limits inbound signaling messages on a single connection.
//
// The bucket starts full. A burst of up to capacity messages is admitted
// immediately, after which messages are admitted at ratePerSecond.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time
}

// NewTokenBucket returns a bucket holding capacity tokens that refills at
// ratePerSecond. A non-positive rate disables limiting entirely.
func NewTokenBucket(clock Clock, capacity, ratePerSecond int) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: float64(capacity),
		rate:     float64(ratePerSecond),
		tokens:   float64(capacity),
		last:     clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	if b == nil || b.rate <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.After(b.last) {
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	// A clock that moves backwards only resets the reference point.
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
