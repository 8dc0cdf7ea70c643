package redis

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/courier/broker"
)

// options holds configuration for the stream clients (unexported)
type options struct {
	logger    *slog.Logger
	onError   func(error)
	prefix    string
	maxLen    int64
	blockTime time.Duration
	consumer  string
}

// Option configures the Redis Streams publisher and subscriber
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

// WithStreamPrefix sets a prefix prepended to every topic to form the
// stream key.
func WithStreamPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithMaxLen caps stream length with approximate MAXLEN trimming.
// 0 (default) keeps every entry.
func WithMaxLen(n int64) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxLen = n
		}
	}
}

// WithBlockTime sets how long a read blocks before Poll checks its
// context again.
func WithBlockTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithConsumerName sets the consumer name within the group. Entries read
// but not committed stay pending for this name and are delivered again
// when a subscriber with the same name starts. Defaults to the host name.
func WithConsumerName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.consumer = name
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		logger:    broker.Logger("broker>redis"),
		onError:   func(error) {},
		blockTime: time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.consumer == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			o.consumer = host
		} else {
			o.consumer = uuid.NewString()
		}
	}
	return o
}
