// Package idempotency tracks which messages a consumer already handled.
//
// Brokers and the outbox deliver at least once, so a message may reach a
// handler more than once: after a dispatcher crash between publish and
// commit, or after a consumer failed to acknowledge. A Store remembers
// handled message ids so duplicates can be skipped.
//
// # Overview
//
// The package provides:
//   - Store interface for idempotency tracking
//   - MemoryStore for single-instance deployments and tests
//   - RedisStore for distributed deployments
//   - SQLStore for PostgreSQL and SQLite, joining the handler's transaction
//
// # Usage with the consumer
//
//	store := idempotency.NewRedisStore(rdb, 24*time.Hour).
//	    WithPrefix("billing:dedup:")
//
//	c, err := consumer.New(sub, handlers, container,
//	    consumer.WithIdempotency(store))
//
// The consumer checks IsDuplicate before resolving the handler and calls
// MarkProcessed after the handler succeeded. A handler failure leaves the
// id unmarked so the redelivered message is handled again.
//
// # Manual usage
//
//	isDuplicate, err := store.IsDuplicate(ctx, messageID)
//	if err != nil {
//	    return err
//	}
//	if isDuplicate {
//	    return nil
//	}
//	if err := process(msg); err != nil {
//	    return err
//	}
//	return store.MarkProcessed(ctx, messageID)
package idempotency

import "context"

// Store defines the interface for idempotency tracking.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// IsDuplicate reports whether messageID was marked processed.
	//
	// Returns:
	//   - (true, nil): Message was already processed, skip it
	//   - (false, nil): Message is new, proceed with processing
	//   - (false, error): Check failed, handle error appropriately
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed marks a message ID as successfully processed.
	// Entries expire after the store's TTL.
	MarkProcessed(ctx context.Context, messageID string) error

	// Remove forgets a message ID so it can be processed again.
	Remove(ctx context.Context, messageID string) error
}

// Key scopes a message id to a consumer group, so that two groups
// consuming the same topic keep independent records.
//
// Example:
//
//	store.IsDuplicate(ctx, idempotency.Key("billing", env.MessageID))
func Key(group, messageID string) string {
	if group == "" {
		return messageID
	}
	return group + ":" + messageID
}
