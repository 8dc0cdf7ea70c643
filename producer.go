package courier

import (
	"context"
	"log/slog"

	"github.com/rbaliyan/courier/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by producer and consumer spans.
const (
	spanKeyMessageID   = "messaging.message.id"
	spanKeyMessageType = "messaging.message.type"
	spanKeyDestination = "messaging.destination.name"
)

// Producer publishes registered messages directly to a broker.
//
// Produce resolves the message registration, wraps the message in an
// envelope and publishes it once. Broker errors are returned to the caller
// unchanged; there is no retry.
//
// Example:
//
//	registry := courier.NewRegistry()
//	courier.MustRegister(registry, "orders", "order_created",
//	    func(o OrderCreated) string { return o.OrderID })
//
//	producer, err := courier.NewProducer(kafkaPublisher, registry)
//	if err != nil {
//	    return err
//	}
//	err = producer.Produce(ctx, OrderCreated{OrderID: "A1"},
//	    courier.WithHeader("tenant", "acme"))
type Producer struct {
	publisher broker.Publisher
	factory   *MessageFactory
	logger    *slog.Logger
	tracer    trace.Tracer

	publishedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

// NewProducer creates a producer publishing through p.
func NewProducer(p broker.Publisher, registry *Registry, opts ...Option) (*Producer, error) {
	if p == nil {
		return nil, ErrPublisherRequired
	}
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	o := newOptions(opts...)
	producer := &Producer{
		publisher: p,
		factory: &MessageFactory{
			registry: registry,
			ids:      o.ids,
			codec:    o.codec,
		},
		logger: o.logger,
	}

	if o.tracingEnabled {
		producer.tracer = otel.Tracer("courier.producer")
	}
	if o.metricsEnabled {
		meter := otel.Meter("courier.producer")
		producer.publishedCounter, _ = meter.Int64Counter("courier.producer.published",
			metric.WithDescription("Total number of messages published"),
			metric.WithUnit("{message}"))
		producer.failedCounter, _ = meter.Int64Counter("courier.producer.failed",
			metric.WithDescription("Total number of failed publishes"),
			metric.WithUnit("{message}"))
	}

	return producer, nil
}

// Factory returns the message factory used by the producer.
// Pass it to outbox.NewQueue so outbox rows carry identical envelopes.
func (p *Producer) Factory() *MessageFactory {
	return p.factory
}

// Produce serializes msg and publishes it to its registered topic.
func (p *Producer) Produce(ctx context.Context, msg any, opts ...ProduceOption) error {
	out, err := p.factory.Create(msg, opts...)
	if err != nil {
		return err
	}
	return p.ProduceRaw(ctx, out)
}

// ProduceRaw publishes an already serialized message unchanged.
// The outbox dispatcher uses it to deliver stored envelopes.
func (p *Producer) ProduceRaw(ctx context.Context, m OutgoingMessage) error {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, m.Topic+" publish",
			trace.WithAttributes(
				attribute.String(spanKeyMessageID, m.MessageID),
				attribute.String(spanKeyMessageType, m.Type),
				attribute.String(spanKeyDestination, m.Topic)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()

		err := p.publish(ctx, m)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
		}
		return err
	}
	return p.publish(ctx, m)
}

func (p *Producer) publish(ctx context.Context, m OutgoingMessage) error {
	attrs := metric.WithAttributes(attribute.String("topic", m.Topic), attribute.String("type", m.Type))

	if err := p.publisher.Publish(ctx, m.Topic, m.Key, m.Value, m.Headers); err != nil {
		if p.failedCounter != nil {
			p.failedCounter.Add(ctx, 1, attrs)
		}
		p.logger.Error("failed to publish message",
			"message_id", m.MessageID,
			"type", m.Type,
			"topic", m.Topic,
			"error", err)
		return err
	}

	if p.publishedCounter != nil {
		p.publishedCounter.Add(ctx, 1, attrs)
	}
	p.logger.Debug("published message",
		"message_id", m.MessageID,
		"type", m.Type,
		"topic", m.Topic,
		"key", m.Key)
	return nil
}
