package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis for distributed idempotency.
//
// Redis Commands Used:
//   - EXISTS: duplicate check
//   - SET with expiry: mark as processed
//   - DEL: remove entry
//
// IsDuplicate does not reserve the id. Two consumers handling the same
// message at the same time may both run the handler; the consumer groups
// of the supported brokers deliver a record to a single member, so this
// only happens after a rebalance.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := idempotency.NewRedisStore(rdb, 24*time.Hour).
//	    WithPrefix("billing:dedup:")
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a new Redis-based idempotency store.
// The default key prefix is "courier:idemp:".
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: "courier:idemp:",
	}
}

// WithPrefix sets a custom prefix for Redis keys.
//
// Returns the store for method chaining.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

// IsDuplicate checks if a message ID has already been processed.
func (s *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed marks a message ID as processed for the store's TTL.
func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	if err := s.client.Set(ctx, s.prefix+messageID, "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Remove removes a message ID from the store.
// Removing a missing key is not an error.
func (s *RedisStore) Remove(ctx context.Context, messageID string) error {
	return s.client.Del(ctx, s.prefix+messageID).Err()
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
