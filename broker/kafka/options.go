package kafka

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/courier/broker"
)

// options holds configuration for the Kafka clients (unexported)
type options struct {
	logger     *slog.Logger
	onError    func(error)
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option configures the Kafka publisher and subscriber
type Option func(*options)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback.
// It receives publish failures and consumer group errors.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithReconnectBackoff sets the backoff bounds used when the consumer group
// session fails and has to be re-joined.
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.minBackoff = initial
		}
		if max >= initial && max > 0 {
			o.maxBackoff = max
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		logger:     broker.Logger("broker>kafka"),
		onError:    func(error) {},
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
