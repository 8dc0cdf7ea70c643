package consumer

import (
	"database/sql"
	"log/slog"

	"github.com/rbaliyan/courier/codec"
	"github.com/rbaliyan/courier/idempotency"
	"github.com/rbaliyan/courier/ratelimit"
)

// options holds consumer configuration (unexported)
type options struct {
	group          string
	autoCommit     bool
	codec          codec.Codec
	idempotency    idempotency.Store
	onResult       func(*ConsumeResult)
	limiter        ratelimit.Limiter
	db             *sql.DB
	logger         *slog.Logger
	tracingEnabled bool
	metricsEnabled bool
}

// Option configures the consumer
type Option func(*options)

// WithGroup names the consumer group. It labels logs and metrics and
// scopes idempotency keys.
func WithGroup(group string) Option {
	return func(o *options) {
		o.group = group
	}
}

// WithAutoCommit enables or disables committing after each handled record.
// Default: enabled. When disabled, commit through ConsumeResult.Commit.
func WithAutoCommit(v bool) Option {
	return func(o *options) {
		o.autoCommit = v
	}
}

// WithCodec sets the codec used when a record has no content-type header
// or an unknown one. Default: codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithIdempotency skips records whose message id is already in store and
// marks handled ones.
func WithIdempotency(store idempotency.Store) Option {
	return func(o *options) {
		o.idempotency = store
	}
}

// WithResultHook is called by ConsumeAll with every successful result.
// With auto-commit disabled the hook decides when to call Commit.
func WithResultHook(fn func(*ConsumeResult)) Option {
	return func(o *options) {
		o.onResult = fn
	}
}

// WithTransaction runs every handler in a transaction on db. The handler's
// ctx carries it (outbox.TxFromContext), so outbox enqueues and an
// idempotency.SQLStore join it. The message is marked processed inside the
// same transaction; a failing handler rolls both back.
func WithTransaction(db *sql.DB) Option {
	return func(o *options) {
		o.db = db
	}
}

// WithRateLimiter waits for the limiter before polling each record.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
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

// WithTracing enable/disable consumer spans
func WithTracing(v bool) Option {
	return func(o *options) {
		o.tracingEnabled = v
	}
}

// WithMetrics enable/disable consumer counters
func WithMetrics(v bool) Option {
	return func(o *options) {
		o.metricsEnabled = v
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		autoCommit:     true,
		codec:          codec.Default(),
		logger:         slog.Default().With("component", "courier.consumer"),
		tracingEnabled: true,
		metricsEnabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
