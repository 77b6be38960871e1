// Package ratelimit paces outbound sends so batch broadcasts respect the
// messaging service's tolerance for rapid-fire traffic.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket implements token bucket rate limiting. A session uses one bucket to
// space out consecutive sends in a broadcast batch.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a token bucket allowing ratePerSecond sustained sends
// with bursts of up to burst.
func NewBucket(ratePerSecond float64, burst int) *Bucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 2.0
	}
	if burst <= 0 {
		burst = 1
	}

	return &Bucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: ratePerSecond,
		lastRefill: time.Now(),
	}
}

// Allow checks if a send should proceed now and consumes a token if so.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Reserve consumes a token unconditionally and returns how long the caller
// must wait before acting on it. Tokens may go negative; the deficit is how
// pacing accumulates across a batch.
func (b *Bucket) Reserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	b.tokens--

	if b.tokens >= 0 {
		return 0
	}
	seconds := -b.tokens / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Wait reserves a token and blocks until it becomes usable or the context is
// canceled.
func (b *Bucket) Wait(ctx context.Context) error {
	delay := b.Reserve()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}
