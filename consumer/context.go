package consumer

import (
	"context"
	"time"

	"github.com/rbaliyan/courier/broker"
)

// MessageContext describes the message being handled.
type MessageContext struct {
	MessageID string
	Type      string
	Topic     string
	Key       string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
}

// Header returns a header value or "" when absent.
func (m MessageContext) Header(key string) string {
	return m.Headers[key]
}

// CorrelationID returns the correlation id set by the outbox, if any.
func (m MessageContext) CorrelationID() string {
	return m.Headers[broker.HeaderCorrelationID]
}

type messageContextKey struct{}

// WithMessageContext returns a context carrying mc.
func WithMessageContext(ctx context.Context, mc MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// FromContext returns the MessageContext of the message being handled.
// Dependencies resolved inside a scope can use it through Scope.Context.
func FromContext(ctx context.Context) (MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(MessageContext)
	return mc, ok
}

func newMessageContext(rec *broker.Record, messageID, messageType string) MessageContext {
	return MessageContext{
		MessageID: messageID,
		Type:      messageType,
		Topic:     rec.Topic,
		Key:       rec.Key,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
		Headers:   rec.Headers,
	}
}
