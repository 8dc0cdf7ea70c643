package courier

import (
	"log/slog"

	"github.com/rbaliyan/courier/codec"
)

// options holds producer configuration (unexported)
type options struct {
	ids            IDGenerator
	codec          codec.Codec
	logger         *slog.Logger
	tracingEnabled bool
	metricsEnabled bool
}

// Option configures the producer and message factory
type Option func(*options)

// WithIDGenerator sets the message id generator.
// Default: random UUIDs.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithCodec sets the envelope codec.
// Default: codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enable/disable producer spans
func WithTracing(v bool) Option {
	return func(o *options) {
		o.tracingEnabled = v
	}
}

// WithMetrics enable/disable producer counters
func WithMetrics(v bool) Option {
	return func(o *options) {
		o.metricsEnabled = v
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		ids:            DefaultIDGenerator,
		codec:          codec.Default(),
		logger:         slog.Default().With("component", "courier.producer"),
		tracingEnabled: true,
		metricsEnabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
