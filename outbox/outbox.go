// Package outbox implements the transactional outbox pattern for reliable message publishing.
//
// The outbox pattern ensures that database writes and message publishing are atomic:
//  1. Enqueue the message in an outbox table within the same transaction as your business data
//  2. A background dispatcher reads unprocessed rows and publishes them to the broker
//  3. After a successful publish, the row is marked processed in the dispatcher's own transaction
//
// This guarantees that messages are never lost, even if the application crashes
// after committing the transaction but before publishing the message. A crash
// between publish and commit publishes the row again on the next pass, so
// delivery is at-least-once.
//
// # Overview
//
// The package provides:
//   - Row, the persisted form of an outgoing message
//   - Repository and UnitOfWorkFactory, the storage contracts
//   - Queue for enqueueing messages inside the caller's transaction
//   - Notification for waking the dispatcher early
//   - Dispatcher for background publishing
//   - MemoryRepository, SQLRepository (PostgreSQL, SQLite) and MongoRepository
//   - PostgresListener, RedisNotifier and MongoChangeNotifier for cross-process wakeups
//
// # The Problem
//
// Without the outbox pattern, you face the "dual-write problem":
//
//	// UNSAFE: Not atomic!
//	if err := db.UpdateOrder(order); err != nil {
//	    return err
//	}
//	// If crash here, order is updated but event is lost
//	if err := producer.Produce(ctx, OrderUpdated{...}); err != nil {
//	    return err
//	}
//
// # The Solution
//
//	err := outbox.RunInTx(ctx, db, func(ctx context.Context) error {
//	    if err := orders.Update(ctx, order); err != nil {
//	        return err
//	    }
//	    notifier, err = queue.Enqueue(ctx, OrderUpdated{OrderID: order.ID})
//	    return err
//	})
//	if err == nil {
//	    notifier.Notify() // wake the dispatcher after commit
//	}
//
// # Complete Example
//
//	repo := outbox.NewSQLRepository(db, outbox.Postgres)
//	notification := outbox.NewNotification(5 * time.Second)
//
//	producer, _ := courier.NewProducer(kafkaPublisher, registry)
//	queue := outbox.NewQueue(repo, producer.Factory(), notification)
//	dispatcher := outbox.NewDispatcher(repo, producer, notification).
//	    WithBatchSize(100)
//
//	go dispatcher.Run(ctx)
//
// Handlers on the consuming side must be idempotent since messages may be
// delivered more than once.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/broker"
)

// Outbox errors
var (
	// ErrDuplicateRow is returned when a row id is added twice.
	ErrDuplicateRow = errors.New("outbox row already exists")

	// ErrUnitOfWorkDone is returned when a committed or rolled back unit
	// of work is used again.
	ErrUnitOfWorkDone = errors.New("outbox unit of work already completed")
)

// Row represents a message in the outbox.
//
// Fields:
//   - ID: Unique identifier, equal to the envelope's messageId
//   - CorrelationID: Identifier generated for each enqueue
//   - Topic: Destination topic
//   - PartitionKey: Key selected by the registration
//   - Type: Envelope type tag
//   - Format: Content type of the payload (the codec's content type)
//   - Payload: The complete serialized envelope
//   - OccurredAt: UTC time the row was created
//   - Processed: Whether the row has been published
//   - ProcessedAt: When the row was published (nil if pending)
//
// A processed row is never dispatched again.
type Row struct {
	ID            string
	CorrelationID string
	Topic         string
	PartitionKey  string
	Type          string
	Format        string
	Payload       []byte
	OccurredAt    time.Time
	Processed     bool
	ProcessedAt   *time.Time
}

// MarkProcessed flips the row to processed at the given time.
func (r *Row) MarkProcessed(at time.Time) {
	at = at.UTC()
	r.Processed = true
	r.ProcessedAt = &at
}

// Message returns the outgoing message that delivers this row.
// The payload is passed through unchanged.
func (r *Row) Message() courier.OutgoingMessage {
	return courier.OutgoingMessage{
		MessageID: r.ID,
		Topic:     r.Topic,
		Key:       r.PartitionKey,
		Type:      r.Type,
		Value:     r.Payload,
		Headers: map[string]string{
			broker.HeaderMessageID:     r.ID,
			broker.HeaderCorrelationID: r.CorrelationID,
			broker.HeaderContentType:   r.Format,
		},
	}
}

// Repository persists outbox rows.
//
// Add runs inside the caller's ambient transaction, which the
// implementation reads from ctx (see WithTx for SQL and
// mongo.SessionContext for MongoDB). Add never commits.
type Repository interface {
	Add(ctx context.Context, rows ...*Row) error
}

// UnitOfWork is the dispatcher's transactional view of the outbox.
//
// Rows marked processed become visible to other units of work only after
// Commit. Rollback discards the marks.
type UnitOfWork interface {
	// FetchUnpublished returns unprocessed rows, oldest first.
	// limit <= 0 returns all of them.
	FetchUnpublished(ctx context.Context, limit int) ([]*Row, error)

	// MarkProcessed records that row was published.
	MarkProcessed(ctx context.Context, row *Row) error

	// Commit persists all marks.
	Commit(ctx context.Context) error

	// Rollback discards all marks. Calling Rollback after Commit is a no-op.
	Rollback(ctx context.Context) error
}

// UnitOfWorkFactory starts dispatcher units of work.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// Cleaner removes processed rows that are older than a cutoff.
// The dispatcher calls it periodically when configured with WithCleanup.
type Cleaner interface {
	DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error)
}
