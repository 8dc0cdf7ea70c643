// Package consumer dispatches broker records to typed handlers, one unit of
// work per record.
//
// For every record the consumer:
//  1. Decodes the envelope and resolves its type tag in the Registry
//  2. Opens a Scope from the ScopeFactory (usually a *Container)
//  3. Resolves the handler inside the scope and invokes it with the decoded data
//  4. Closes the scope, whatever the outcome
//  5. Commits the record on success
//
// A record whose type has no handler fails with a
// *MissingHandlerRegistrationError and is not committed. A failing handler
// leaves the record uncommitted and rewinds the subscriber to it, so the
// next poll delivers it again; handlers must therefore be idempotent, or
// the consumer configured WithIdempotency.
//
// # Example
//
//	container := consumer.NewContainer()
//	consumer.MustProvide(container, consumer.Scoped, NewOrderService)
//
//	handlers := consumer.NewRegistry()
//	consumer.MustHandle(handlers, "orders", "order_created",
//	    func(s *consumer.Scope) (consumer.Handler[OrderCreated], error) {
//	        svc, err := consumer.Get[*OrderService](s)
//	        return svc, err
//	    })
//
//	sub, _ := kafka.NewSubscriber(client, "billing", handlers.Topics())
//	c, _ := consumer.New(sub, handlers, container, consumer.WithGroup("billing"))
//	err := c.ConsumeAll(ctx)
package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/broker"
	"github.com/rbaliyan/courier/codec"
	"github.com/rbaliyan/courier/idempotency"
	"github.com/rbaliyan/courier/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys
const (
	spanKeyMessageID     = "messaging.message.id"
	spanKeyMessageType   = "messaging.message.type"
	spanKeyDestination   = "messaging.destination.name"
	spanKeyConsumerGroup = "messaging.consumer.group.name"
)

// ConsumeResult is a handled record.
type ConsumeResult struct {
	Record  *broker.Record
	Message MessageContext
	// Duplicate is set when the idempotency store already knew the
	// message and the handler was skipped.
	Duplicate bool

	sub       broker.Subscriber
	committed bool
}

// Commit acknowledges the record. Committing twice is a no-op.
func (r *ConsumeResult) Commit(ctx context.Context) error {
	if r.committed {
		return nil
	}
	if err := r.sub.Commit(ctx, r.Record); err != nil {
		return err
	}
	r.committed = true
	return nil
}

// Committed reports whether the record was acknowledged.
func (r *ConsumeResult) Committed() bool {
	return r.committed
}

// Consumer reads records from one subscriber and dispatches them.
// A Consumer handles one record at a time; run several consumers for
// parallelism.
type Consumer struct {
	sub      broker.Subscriber
	registry *Registry
	scopes   ScopeFactory
	opts     *options
	tracer   trace.Tracer

	handledCounter   metric.Int64Counter
	failedCounter    metric.Int64Counter
	duplicateCounter metric.Int64Counter
}

// New creates a consumer.
func New(sub broker.Subscriber, registry *Registry, scopes ScopeFactory, opts ...Option) (*Consumer, error) {
	switch {
	case sub == nil:
		return nil, &courier.ConfigurationError{Component: "consumer", Reason: "subscriber is required", Err: broker.ErrClientRequired}
	case registry == nil:
		return nil, &courier.ConfigurationError{Component: "consumer", Reason: "handler registry is required", Err: courier.ErrRegistryRequired}
	case scopes == nil:
		return nil, &courier.ConfigurationError{Component: "consumer", Reason: "scope factory is required"}
	}

	o := newOptions(opts...)
	if o.group != "" {
		o.logger = o.logger.With("group", o.group)
	}

	c := &Consumer{
		sub:      sub,
		registry: registry,
		scopes:   scopes,
		opts:     o,
	}

	if o.tracingEnabled {
		c.tracer = otel.Tracer("courier.consumer")
	}
	if o.metricsEnabled {
		meter := otel.Meter("courier.consumer")
		c.handledCounter, _ = meter.Int64Counter("courier.consumer.handled",
			metric.WithDescription("Total number of handled messages"),
			metric.WithUnit("{message}"))
		c.failedCounter, _ = meter.Int64Counter("courier.consumer.failed",
			metric.WithDescription("Total number of failed messages"),
			metric.WithUnit("{message}"))
		c.duplicateCounter, _ = meter.Int64Counter("courier.consumer.duplicates",
			metric.WithDescription("Total number of skipped duplicate messages"),
			metric.WithUnit("{message}"))
	}

	return c, nil
}

// ConsumeSingle polls one record and handles it.
//
// It returns (nil, nil) when ctx is cancelled while polling. With
// auto-commit the record is committed before returning; otherwise call
// Commit on the result.
func (c *Consumer) ConsumeSingle(ctx context.Context) (*ConsumeResult, error) {
	if c.opts.limiter != nil {
		if err := c.opts.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	rec, err := c.sub.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}

	result, err := c.handle(ctx, rec)
	if err != nil {
		return nil, c.rewind(ctx, rec, err)
	}

	if c.opts.autoCommit {
		// a handled record is committed even when shutdown started meanwhile
		if err := result.Commit(context.WithoutCancel(ctx)); err != nil {
			c.opts.logger.Error("failed to commit record",
				"message_id", result.Message.MessageID,
				"topic", rec.Topic,
				"offset", rec.Offset,
				"error", err)
			return result, fmt.Errorf("commit %s: %w", result.Message.MessageID, err)
		}
	}
	return result, nil
}

// ConsumeAll handles records until ctx is cancelled or a record fails.
// It returns nil on cancellation and the first error otherwise; the host
// decides whether to restart.
func (c *Consumer) ConsumeAll(ctx context.Context) error {
	if !c.opts.autoCommit && c.opts.onResult == nil {
		return &courier.ConfigurationError{Component: "consumer", Reason: "auto-commit disabled", Err: ErrManualCommitHook}
	}

	c.opts.logger.Info("consumer started")
	defer c.opts.logger.Info("consumer stopped")

	for {
		result, err := c.ConsumeSingle(ctx)
		if err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		if c.opts.onResult != nil {
			c.opts.onResult(result)
		}
	}
}

// Close closes the subscriber.
func (c *Consumer) Close() error {
	return c.sub.Close()
}

// rewind hands a record that was not handled back to the subscriber, so
// the next Poll delivers it again instead of a later one.
func (c *Consumer) rewind(ctx context.Context, rec *broker.Record, cause error) error {
	if err := c.sub.Rewind(context.WithoutCancel(ctx), rec); err != nil {
		c.opts.logger.Error("failed to rewind record",
			"message_id", rec.Header(broker.HeaderMessageID),
			"topic", rec.Topic,
			"offset", rec.Offset,
			"error", err)
		return errors.Join(cause, fmt.Errorf("rewind: %w", err))
	}
	return cause
}

func (c *Consumer) codecFor(rec *broker.Record) codec.Codec {
	if cd, ok := codec.ByContentType(rec.Header(broker.HeaderContentType)); ok {
		return cd
	}
	return c.opts.codec
}

func (c *Consumer) handle(ctx context.Context, rec *broker.Record) (*ConsumeResult, error) {
	logger := c.opts.logger
	cd := c.codecFor(rec)

	env, err := cd.Decode(rec.Value)
	if err != nil {
		c.countFailure(ctx, rec.Topic, "")
		logger.Error("failed to decode envelope",
			"message_id", rec.Header(broker.HeaderMessageID),
			"topic", rec.Topic,
			"offset", rec.Offset,
			"error", err)
		return nil, &HandlerError{MessageID: rec.Header(broker.HeaderMessageID), Topic: rec.Topic, Err: err}
	}

	mc := newMessageContext(rec, env.MessageID, env.Type)
	reg, ok := c.registry.Resolve(env.Type)
	if !ok {
		c.countFailure(ctx, rec.Topic, env.Type)
		logger.Error("no handler registered",
			"message_id", env.MessageID,
			"type", env.Type,
			"topic", rec.Topic)
		return nil, &MissingHandlerRegistrationError{Type: env.Type, MessageID: env.MessageID, Topic: rec.Topic}
	}

	result := &ConsumeResult{Record: rec, Message: mc, sub: c.sub}

	store := c.opts.idempotency
	key := idempotency.Key(c.opts.group, env.MessageID)
	if store != nil {
		duplicate, err := store.IsDuplicate(ctx, key)
		if err != nil {
			c.countFailure(ctx, rec.Topic, env.Type)
			return nil, &HandlerError{MessageID: env.MessageID, Type: env.Type, Topic: rec.Topic, Err: fmt.Errorf("idempotency check: %w", err)}
		}
		if duplicate {
			result.Duplicate = true
			if c.duplicateCounter != nil {
				c.duplicateCounter.Add(ctx, 1, c.attrs(rec.Topic, env.Type))
			}
			logger.Debug("skipped duplicate message",
				"message_id", env.MessageID,
				"type", env.Type,
				"topic", rec.Topic)
			return result, nil
		}
	}

	ctx = WithMessageContext(ctx, mc)
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, rec.Topic+" process",
			trace.WithAttributes(
				attribute.String(spanKeyMessageID, env.MessageID),
				attribute.String(spanKeyMessageType, env.Type),
				attribute.String(spanKeyDestination, rec.Topic),
				attribute.String(spanKeyConsumerGroup, c.opts.group)),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	invoke := func(ctx context.Context) error {
		return UnitOfWork(ctx, c.scopes, func(ctx context.Context, s *Scope) error {
			return reg.Invoke(ctx, s, cd, env.Data, mc)
		})
	}
	if c.opts.db != nil {
		err = outbox.RunInTx(ctx, c.opts.db, func(ctx context.Context) error {
			if err := invoke(ctx); err != nil {
				return err
			}
			if store != nil {
				if err := store.MarkProcessed(ctx, key); err != nil {
					return fmt.Errorf("idempotency mark: %w", err)
				}
			}
			return nil
		})
	} else {
		err = invoke(ctx)
		if err == nil && store != nil {
			if merr := store.MarkProcessed(ctx, key); merr != nil {
				logger.Warn("failed to mark message processed",
					"message_id", env.MessageID,
					"error", merr)
			}
		}
	}
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
		}
		c.countFailure(ctx, rec.Topic, env.Type)
		logger.Error("failed to handle message",
			"message_id", env.MessageID,
			"type", env.Type,
			"topic", rec.Topic,
			"error", err)
		return nil, &HandlerError{MessageID: env.MessageID, Type: env.Type, Topic: rec.Topic, Err: err}
	}

	if c.handledCounter != nil {
		c.handledCounter.Add(ctx, 1, c.attrs(rec.Topic, env.Type))
	}
	logger.Debug("handled message",
		"message_id", env.MessageID,
		"type", env.Type,
		"topic", rec.Topic)
	return result, nil
}

func (c *Consumer) attrs(topic, messageType string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("type", messageType),
		attribute.String("group", c.opts.group))
}

func (c *Consumer) countFailure(ctx context.Context, topic, messageType string) {
	if c.failedCounter != nil {
		c.failedCounter.Add(ctx, 1, c.attrs(topic, messageType))
	}
}
