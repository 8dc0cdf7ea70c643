package memory

import (
	"log/slog"

	"github.com/rbaliyan/courier/broker"
)

// PublishHook is called before a record is appended.
// A non-nil error fails the publish and the record is not stored.
type PublishHook func(topic, key string, value []byte) error

// options holds configuration for the broker (unexported)
type options struct {
	logger *slog.Logger
	hook   PublishHook
}

// Option configures the in-memory broker
type Option func(*options)

// WithLogger sets the logger for the broker
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPublishHook installs a hook that can reject publishes.
func WithPublishHook(fn PublishHook) Option {
	return func(o *options) {
		o.hook = fn
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		logger: broker.Logger("broker>memory"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
