// ratelimit.go implements token-bucket rate limiting for the exchange REST API.
//
// The Binance spot API enforces weight-based limits per minute plus a raw
// order count per 10 seconds. This file provides a smooth token-bucket
// implementation that refills continuously (rather than in window bursts) to
// stay clear of the hard limits even under safety-order rotation storms.
//
// Three buckets are maintained:
//   - Order:  50 burst / 5 per sec (order placements)
//   - Cancel: 50 burst / 10 per sec (cancels are cheaper, weight 1)
//   - Query:  100 burst / 15 per sec (account, open orders, exchange info)
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

// RateLimiter groups token buckets by REST endpoint category. Each operation
// must call the appropriate bucket's Wait() before making the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // POST /api/v3/order
	Cancel *TokenBucket // DELETE /api/v3/order
	Query  *TokenBucket // GET account, openOrders, exchangeInfo, klines
}

// NewRateLimiter creates rate limiters tuned well inside the spot API's
// published limits, leaving headroom for other consumers of the same keys.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(50, 5),
		Cancel: NewTokenBucket(50, 10),
		Query:  NewTokenBucket(100, 15),
	}
}
