// ratelimit.go implements token-bucket rate limiting for the gateway REST
// API. Buckets refill continuously rather than in window-sized bursts so a
// burst of enforcement traffic smooths out instead of slamming into a 429.
//
// Two buckets are maintained:
//   - Trade:  closes, cancels, modifies
//   - Search: position/order/contract reads (reconciliation bursts)
package gateway

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given burst capacity and
// refill rate.
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

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by gateway endpoint category.
type RateLimiter struct {
	Trade  *TokenBucket // closeContract, partialCloseContract, cancel, modify
	Search *TokenBucket // Position/searchOpen, Order/searchOpen, Contract/search
}

// NewRateLimiter creates buckets sized for a single-trader daemon: generous
// enough for a close-all fan-out, conservative enough to stay under the
// gateway's published per-user limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Trade:  NewTokenBucket(20, 5),
		Search: NewTokenBucket(30, 10),
	}
}
