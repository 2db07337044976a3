// ratelimit.go implements client-side token-bucket pacing for the REST
// API.
//
// Exchanges publish per-category request budgets; blowing through them
// earns HTTP 429s and escalating cool-downs. The buckets here refill
// continuously (rather than in window-sized bursts) so a busy tick loop
// smears its calls out instead of slamming the window edge. Server-side
// 429s are still handled separately via RateLimitError — these buckets
// just make them rare.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
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

// RateLimiter groups token buckets by endpoint category. Every REST call
// waits on its bucket before going out.
type RateLimiter struct {
	Order *TokenBucket // POST /orders, DELETE /orders/{id}
	Query *TokenBucket // GET /orders/{id}, /balance, /positions
}

// NewRateLimiter creates buckets with conservative defaults: order flow
// is budgeted well below typical venue limits, queries somewhat higher.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(15, 3),  // 15 burst, 3/s sustained
		Query: NewTokenBucket(30, 10), // 30 burst, 10/s sustained
	}
}
