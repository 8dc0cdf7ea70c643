package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RawProducer publishes an already serialized message.
// *courier.Producer implements it.
type RawProducer interface {
	ProduceRaw(ctx context.Context, m courier.OutgoingMessage) error
}

// Dispatcher publishes outbox rows to the broker.
//
// Each pass:
//  1. Begins a unit of work
//  2. Fetches unprocessed rows, oldest first
//  3. Publishes each row and marks it processed
//  4. Commits, or rolls back on the first failure
//
// Rows that were published but whose marks were rolled back are published
// again on a later pass. Only one dispatcher should run per outbox; running
// more is safe but may publish duplicates.
//
// Example:
//
//	notification := outbox.NewNotification(5 * time.Second)
//	dispatcher := outbox.NewDispatcher(repo, producer, notification).
//	    WithBatchSize(100).
//	    WithCleanup(repo, 7*24*time.Hour)
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go dispatcher.Run(ctx)
//
//	// Shutdown gracefully
//	cancel()
type Dispatcher struct {
	factory         UnitOfWorkFactory
	producer        RawProducer
	waiter          Waiter
	batchSize       int
	logger          *slog.Logger
	onError         func(error)
	cleaner         Cleaner
	cleanupAge      time.Duration
	cleanupInterval time.Duration
	limiter         ratelimit.Limiter

	publishedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
	batchHistogram   metric.Int64Histogram
}

// NewDispatcher creates a new outbox dispatcher.
//
// Default configuration:
//   - Batch size: 100 rows per pass
//   - No cleanup of processed rows
func NewDispatcher(factory UnitOfWorkFactory, producer RawProducer, waiter Waiter) *Dispatcher {
	meter := otel.Meter("courier.outbox")
	published, _ := meter.Int64Counter("courier.outbox.published",
		metric.WithDescription("Number of outbox rows published"),
		metric.WithUnit("{message}"))
	failed, _ := meter.Int64Counter("courier.outbox.dispatch.failed",
		metric.WithDescription("Number of failed dispatch passes"))
	batch, _ := meter.Int64Histogram("courier.outbox.batch.size",
		metric.WithDescription("Rows fetched per dispatch pass"),
		metric.WithUnit("{message}"))

	if waiter == nil {
		waiter = NewNotification(DefaultDispatchInterval)
	}

	return &Dispatcher{
		factory:          factory,
		producer:         producer,
		waiter:           waiter,
		batchSize:        100,
		logger:           slog.Default().With("component", "outbox.dispatcher"),
		onError:          func(error) {},
		cleanupInterval:  time.Hour,
		publishedCounter: published,
		failedCounter:    failed,
		batchHistogram:   batch,
	}
}

// WithBatchSize sets the number of rows to publish per pass.
// A non-positive size publishes every unprocessed row in one pass.
//
// Returns the dispatcher for method chaining.
func (d *Dispatcher) WithBatchSize(size int) *Dispatcher {
	d.batchSize = size
	return d
}

// WithLogger sets a custom logger.
//
// Returns the dispatcher for method chaining.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

// WithErrorHandler sets a callback for failed passes in Run.
//
// Returns the dispatcher for method chaining.
func (d *Dispatcher) WithErrorHandler(fn func(error)) *Dispatcher {
	if fn != nil {
		d.onError = fn
	}
	return d
}

// WithCleanup deletes processed rows older than age once an hour while Run
// is active.
//
// Returns the dispatcher for method chaining.
func (d *Dispatcher) WithCleanup(c Cleaner, age time.Duration) *Dispatcher {
	d.cleaner = c
	d.cleanupAge = age
	return d
}

// WithRateLimiter paces publishing: each row waits for the limiter first.
//
// Returns the dispatcher for method chaining.
func (d *Dispatcher) WithRateLimiter(l ratelimit.Limiter) *Dispatcher {
	d.limiter = l
	return d
}

// Dispatch runs one pass. It returns the first publish error, after rolling
// back the unit of work, or nil when every fetched row was published and
// committed.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	_, err := d.dispatch(ctx)
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context) (int, error) {
	uow, err := d.factory.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outbox unit of work: %w", err)
	}

	rows, err := uow.FetchUnpublished(ctx, d.batchSize)
	if err != nil {
		d.rollback(ctx, uow)
		return 0, fmt.Errorf("fetch unpublished rows: %w", err)
	}
	d.batchHistogram.Record(ctx, int64(len(rows)))

	for _, row := range rows {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.rollback(ctx, uow)
				return 0, err
			}
		}
		if err := d.producer.ProduceRaw(ctx, row.Message()); err != nil {
			d.logger.Error("error while publishing outbox messages",
				"message_id", row.ID,
				"type", row.Type,
				"topic", row.Topic,
				"error", err)
			d.rollback(ctx, uow)
			d.failedCounter.Add(ctx, 1)
			return 0, &courier.PublishError{MessageID: row.ID, Type: row.Type, Topic: row.Topic, Err: err}
		}

		if err := uow.MarkProcessed(ctx, row); err != nil {
			d.rollback(ctx, uow)
			d.failedCounter.Add(ctx, 1)
			return 0, fmt.Errorf("mark outbox row %s processed: %w", row.ID, err)
		}

		d.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", row.Topic)))
		d.logger.Debug("published outbox message",
			"message_id", row.ID,
			"type", row.Type,
			"topic", row.Topic)
	}

	if err := uow.Commit(ctx); err != nil {
		d.failedCounter.Add(ctx, 1)
		return 0, fmt.Errorf("commit outbox unit of work: %w", err)
	}
	return len(rows), nil
}

func (d *Dispatcher) rollback(ctx context.Context, uow UnitOfWork) {
	if err := uow.Rollback(context.WithoutCancel(ctx)); err != nil {
		d.logger.Error("failed to roll back outbox unit of work", "error", err)
	}
}

// Run dispatches until ctx is cancelled, waiting on the notification
// between passes. Failed passes are logged, reported to the error handler
// and retried on the next pass. A full batch is followed immediately by
// another pass.
//
// Run returns nil once ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("outbox dispatcher started", "batch_size", d.batchSize)
	defer d.logger.Info("outbox dispatcher stopped")

	lastCleanup := time.Now()
	for {
		n, err := d.dispatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.logger.Error("outbox dispatch failed", "error", err)
			d.onError(err)
		}

		if d.cleaner != nil && time.Since(lastCleanup) >= d.cleanupInterval {
			d.cleanup(ctx)
			lastCleanup = time.Now()
		}

		if err == nil && d.batchSize > 0 && n == d.batchSize {
			continue
		}

		if _, err := d.waiter.Wait(ctx); err != nil {
			return nil
		}
	}
}

// cleanup removes old processed rows
func (d *Dispatcher) cleanup(ctx context.Context) {
	deleted, err := d.cleaner.DeleteProcessed(ctx, d.cleanupAge)
	if err != nil {
		d.logger.Error("failed to cleanup processed outbox rows", "error", err)
		return
	}

	if deleted > 0 {
		d.logger.Info("cleaned up processed outbox rows", "count", deleted)
	}
}
