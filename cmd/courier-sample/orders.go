package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/consumer"
	"github.com/rbaliyan/courier/outbox"
	"syreclabs.com/go/faker"
)

// OrderCreated is published when an order is placed.
type OrderCreated struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

const (
	ordersTopic      = "orders"
	orderCreatedType = "order_created"
)

func registerMessages(r *courier.Registry) error {
	return courier.Register(r, ordersTopic, orderCreatedType, func(o OrderCreated) string { return o.OrderID })
}

// orderStore writes orders and their outbox rows in one transaction.
type orderStore struct {
	db       *sql.DB
	queue    *outbox.Queue
	listener *outbox.PostgresListener
}

func (s *orderStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS orders (
		id         VARCHAR(64) PRIMARY KEY,
		amount     NUMERIC(12, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS invoices (
		order_id   VARCHAR(64) PRIMARY KEY,
		amount     NUMERIC(12, 2) NOT NULL,
		message_id VARCHAR(64) NOT NULL
	)`)
	return err
}

// place stores an order and enqueues OrderCreated. The NOTIFY is sent by
// postgres when the transaction commits.
func (s *orderStore) place(ctx context.Context, order OrderCreated) error {
	return outbox.RunInTx(ctx, s.db, func(ctx context.Context) error {
		tx, _ := outbox.TxFromContext(ctx)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO orders (id, amount, created_at) VALUES ($1, $2, $3)",
			order.OrderID, order.Amount, time.Now().UTC()); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if _, err := s.queue.Enqueue(ctx, order); err != nil {
			return err
		}
		return s.listener.NotifyTx(ctx)
	})
}

// placeOrders simulates incoming orders until ctx is done.
func (s *orderStore) placeOrders(every time.Duration, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				order := OrderCreated{
					OrderID: courier.DefaultIDGenerator.NextID(),
					Amount:  float64(faker.Number().NumberInt(4)) / 100,
				}
				if err := s.place(ctx, order); err != nil {
					return err
				}
				logger.Info("order placed", "order_id", order.OrderID, "amount", order.Amount)
			}
		}
	}
}

// invoicer is scoped to one message.
type invoicer struct {
	logger *slog.Logger
}

// Handle writes the invoice in the consumer's transaction, which also marks
// the message processed.
func (i *invoicer) Handle(ctx context.Context, msg OrderCreated, mc consumer.MessageContext) error {
	tx, ok := outbox.TxFromContext(ctx)
	if !ok {
		return fmt.Errorf("invoice %s: no transaction", msg.OrderID)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO invoices (order_id, amount, message_id) VALUES ($1, $2, $3)",
		msg.OrderID, msg.Amount, mc.MessageID); err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	i.logger.Info("invoicing order",
		"order_id", msg.OrderID,
		"amount", msg.Amount,
		"message_id", mc.MessageID,
		"correlation_id", mc.CorrelationID(),
	)
	return nil
}

func registerHandlers(c *consumer.Container, r *consumer.Registry, logger *slog.Logger) error {
	if err := consumer.Instance(c, logger); err != nil {
		return err
	}
	if err := consumer.Provide(c, consumer.Scoped, func(s *consumer.Scope) (*invoicer, error) {
		l, err := consumer.Get[*slog.Logger](s)
		if err != nil {
			return nil, err
		}
		return &invoicer{logger: l.With("component", "invoicer")}, nil
	}); err != nil {
		return err
	}
	return consumer.Handle(r, ordersTopic, orderCreatedType, func(s *consumer.Scope) (consumer.Handler[OrderCreated], error) {
		return consumer.Get[*invoicer](s)
	})
}
