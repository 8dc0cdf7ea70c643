package host

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/health"
)

// FailurePolicy decides what happens when a service returns an error.
type FailurePolicy int

const (
	// FailFast stops every service and returns the first error from Run.
	FailFast FailurePolicy = iota

	// KeepRunning logs the error and restarts the failed service, limited
	// by the restart rate.
	KeepRunning
)

// String returns the policy name.
func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case KeepRunning:
		return "keep_running"
	default:
		return "unknown"
	}
}

// Default restart limit for KeepRunning: one restart per second with a
// burst of three.
const (
	DefaultRestartInterval = time.Second
	DefaultRestartBurst    = 3
)

// options holds configuration for the host (unexported)
type options struct {
	policy  FailurePolicy
	limiter *rate.Limiter
	health  *health.Server
	logger  *slog.Logger
}

// Option configures the host
type Option func(*options)

// WithFailurePolicy sets the failure policy. Default is FailFast.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithRestartLimit sets how often failed services may be restarted under
// KeepRunning. The limit is shared by all services of the host.
func WithRestartLimit(every time.Duration, burst int) Option {
	return func(o *options) {
		if every > 0 && burst > 0 {
			o.limiter = rate.NewLimiter(rate.Every(every), burst)
		}
	}
}

// WithHealthServer reports service status to a gRPC health server.
// Each service is reported under its name, the host as a whole under "".
func WithHealthServer(s *health.Server) Option {
	return func(o *options) {
		o.health = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		policy:  FailFast,
		limiter: rate.NewLimiter(rate.Every(DefaultRestartInterval), DefaultRestartBurst),
		logger:  slog.Default().With("component", "courier.host"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
