// Package ratelimit throttles outbox dispatch and consumer loops.
//
// TokenBucket limits one process; RedisLimiter shares a fixed-window
// budget between every process using the same key, so a fleet of
// dispatchers together stays under a broker quota.
//
//	limiter := ratelimit.NewTokenBucket(200, 20)
//	dispatcher := outbox.NewDispatcher(repo, producer, notification).
//	    WithRateLimiter(limiter)
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides when the next message may be processed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether a message may be processed now and consumes
	// one unit of budget if so.
	Allow(ctx context.Context) bool

	// Wait blocks until a message may be processed or ctx is done.
	Wait(ctx context.Context) error
}

// TokenBucket is an in-process token bucket.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket allows rps messages per second with bursts of up to burst.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow consumes a token if one is available.
func (t *TokenBucket) Allow(context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available. Unlike rate.Limiter.Wait it does
// not fail early when the deadline is too close; it returns ctx.Err() once
// ctx is done and gives the token back.
func (t *TokenBucket) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := t.limiter.Reserve()
	if !r.OK() {
		<-ctx.Done()
		return ctx.Err()
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// SetLimit changes the rate.
func (t *TokenBucket) SetLimit(rps float64) {
	t.limiter.SetLimit(rate.Limit(rps))
}

// Limit returns the current rate in messages per second.
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the burst size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
