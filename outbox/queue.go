package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/courier"
)

// Queue enqueues outgoing messages as outbox rows.
//
// Enqueue only writes rows through the repository, inside whatever
// transaction the caller carries in ctx. It never commits and never
// notifies: the caller calls Notify on the returned Notifier after its
// transaction committed.
//
// Example:
//
//	queue := outbox.NewQueue(repo, producer.Factory(), notification)
//
//	var notifier outbox.Notifier
//	err := outbox.RunInTx(ctx, db, func(ctx context.Context) error {
//	    var err error
//	    notifier, err = queue.Enqueue(ctx, OrderCreated{OrderID: "A1"})
//	    return err
//	})
//	if err == nil {
//	    notifier.Notify()
//	}
type Queue struct {
	repo           Repository
	factory        *courier.MessageFactory
	notifier       Notifier
	correlationIDs courier.IDGenerator
	now            func() time.Time
	logger         *slog.Logger
}

// NewQueue creates a queue writing to repo.
func NewQueue(repo Repository, factory *courier.MessageFactory, notifier Notifier) *Queue {
	return &Queue{
		repo:           repo,
		factory:        factory,
		notifier:       notifier,
		correlationIDs: courier.DefaultIDGenerator,
		now:            time.Now,
		logger:         slog.Default().With("component", "outbox.queue"),
	}
}

// WithCorrelationIDGenerator sets the generator for correlation ids.
//
// Returns the queue for method chaining.
func (q *Queue) WithCorrelationIDGenerator(g courier.IDGenerator) *Queue {
	if g != nil {
		q.correlationIDs = g
	}
	return q
}

// WithClock sets the time source for OccurredAt.
//
// Returns the queue for method chaining.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	if now != nil {
		q.now = now
	}
	return q
}

// WithLogger sets a custom logger.
//
// Returns the queue for method chaining.
func (q *Queue) WithLogger(l *slog.Logger) *Queue {
	if l != nil {
		q.logger = l
	}
	return q
}

// Enqueue converts events into rows and adds them with a single
// Repository.Add call. If any event is unregistered nothing is written and
// the error wraps courier.ErrUnregisteredMessageType.
func (q *Queue) Enqueue(ctx context.Context, events ...any) (Notifier, error) {
	if len(events) == 0 {
		return q.notifier, nil
	}

	format := q.factory.ContentType()
	rows := make([]*Row, 0, len(events))
	for _, ev := range events {
		msg, err := q.factory.Create(ev)
		if err != nil {
			return nil, err
		}
		rows = append(rows, &Row{
			ID:            msg.MessageID,
			CorrelationID: q.correlationIDs.NextID(),
			Topic:         msg.Topic,
			PartitionKey:  msg.Key,
			Type:          msg.Type,
			Format:        format,
			Payload:       msg.Value,
			OccurredAt:    q.now().UTC(),
		})
	}

	if err := q.repo.Add(ctx, rows...); err != nil {
		return nil, err
	}

	for _, row := range rows {
		q.logger.Debug("enqueued outbox message",
			"message_id", row.ID,
			"type", row.Type,
			"topic", row.Topic)
	}
	return q.notifier, nil
}
