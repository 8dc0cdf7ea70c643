package nats

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/courier/broker"
)

// options holds configuration for the JetStream clients (unexported)
type options struct {
	logger        *slog.Logger
	onError       func(error)
	fetchWait     time.Duration
	ackWait       time.Duration
	maxDeliver    int
	maxAckPending int
}

// Option configures the JetStream publisher and subscriber
type Option func(*options)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithFetchWait sets how long a single fetch waits for a message before
// Poll checks its context again.
func WithFetchWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchWait = d
		}
	}
}

// WithAckWait sets the time the server waits for a commit before it
// redelivers a record.
func WithAckWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ackWait = d
		}
	}
}

// WithMaxDeliver limits delivery attempts per record. 0 means unlimited.
func WithMaxDeliver(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxDeliver = n
		}
	}
}

// WithMaxAckPending sets how many records may be outstanding per group.
// The default of 1 keeps records of the group in stream order.
func WithMaxAckPending(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAckPending = n
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		logger:        broker.Logger("broker>nats-jetstream"),
		onError:       func(error) {},
		fetchWait:     time.Second,
		ackWait:       30 * time.Second,
		maxAckPending: 1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
