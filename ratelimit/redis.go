package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/courier/broker"
	"github.com/redis/go-redis/v9"
)

// allowScript counts an event in the current window and reports whether
// the window is still within limit.
var allowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	if current > tonumber(ARGV[1]) then
		return 0
	end
	return 1
`)

// RedisLimiter is a fixed-window limiter shared through a Redis counter.
//
// On Redis errors the limiter fails open: the message is allowed and the
// error is logged, so a Redis outage slows nothing down.
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter allows limit messages per window for all processes
// sharing key.
func NewRedisLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		key:    "courier:ratelimit:" + key,
		limit:  limit,
		window: window,
		logger: slog.Default().With("component", "ratelimit.redis"),
	}
}

// WithLogger sets a custom logger.
//
// Returns the limiter for method chaining.
func (r *RedisLimiter) WithLogger(l *slog.Logger) *RedisLimiter {
	if l != nil {
		r.logger = l
	}
	return r
}

// Allow counts one message in the current window.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	ok, err := r.allow(ctx)
	if err != nil {
		r.logger.Warn("rate limiter unavailable, allowing", "key", r.key, "error", err)
		return true
	}
	return ok
}

func (r *RedisLimiter) allow(ctx context.Context) (bool, error) {
	res, err := allowScript.Run(ctx, r.client, []string{r.key}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return res == 1, nil
}

// Wait retries Allow until it succeeds or ctx is done. Between attempts
// it sleeps for the average spacing of the window.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	pause := r.window / time.Duration(r.limit)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Allow(ctx) {
			return nil
		}
		if err := broker.Sleep(ctx, broker.Jitter(pause, 0.3)); err != nil {
			return err
		}
	}
}

// Remaining returns the budget left in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context) (int, error) {
	used, err := r.client.Get(ctx, r.key).Int()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, err
	}
	return max(r.limit-used, 0), nil
}

// Compile-time check
var _ Limiter = (*RedisLimiter)(nil)
