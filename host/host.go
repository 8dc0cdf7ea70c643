// Package host runs the long-lived loops of a courier application: outbox
// dispatchers, notification listeners and consumer loops.
//
// Services run concurrently under an errgroup. When one fails, the failure
// policy decides: FailFast cancels the others and Run returns the error,
// KeepRunning restarts the service within the restart limit. A nil return
// from a service before the host is cancelled means the service finished.
//
// Example:
//
//	h := host.New(host.WithFailurePolicy(host.FailFast), host.WithHealthServer(hs))
//	h.Add(
//	    host.Func("outbox-dispatcher", dispatcher.Run),
//	    host.Func("outbox-listener", listener.Listen),
//	    host.Func("billing-consumer", billing.ConsumeAll),
//	)
//	if err := h.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package host

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Host errors
var (
	ErrNoServices     = errors.New("host: no services")
	ErrAlreadyRunning = errors.New("host: already running")
	ErrDuplicateName  = errors.New("host: duplicate service name")
)

// Service is a long-running loop. Run blocks until ctx is cancelled or
// the service fails.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

type funcService struct {
	name string
	fn   func(context.Context) error
}

func (s *funcService) Name() string                  { return s.name }
func (s *funcService) Run(ctx context.Context) error { return s.fn(ctx) }

// Func wraps a run function as a named service.
func Func(name string, fn func(ctx context.Context) error) Service {
	return &funcService{name: name, fn: fn}
}

// ServiceError reports the service that stopped the host.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("host: service %q failed: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// PanicError is returned for a service that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Host supervises a set of services.
type Host struct {
	opts     *options
	mu       sync.Mutex
	services []Service
	running  bool

	restartCounter metric.Int64Counter
}

// New creates a host.
func New(opts ...Option) *Host {
	meter := otel.Meter("courier.host")
	restarts, _ := meter.Int64Counter("courier.host.restarts",
		metric.WithDescription("Number of service restarts after a failure"),
		metric.WithUnit("{restart}"),
	)
	return &Host{
		opts:           newOptions(opts...),
		restartCounter: restarts,
	}
}

// Add registers services. Names must be unique.
func (h *Host) Add(services ...Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrAlreadyRunning
	}
	for _, s := range services {
		for _, existing := range h.services {
			if existing.Name() == s.Name() {
				return fmt.Errorf("%w: %s", ErrDuplicateName, s.Name())
			}
		}
		h.services = append(h.services, s)
	}
	return nil
}

// Run starts every service and blocks until all have stopped.
// It returns nil when ctx is cancelled, or the *ServiceError that
// stopped the host under FailFast.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(h.services) == 0 {
		h.mu.Unlock()
		return ErrNoServices
	}
	h.running = true
	services := append([]Service(nil), h.services...)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range services {
		h.setStatus(s.Name(), healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			return h.supervise(gctx, s)
		})
	}
	h.setStatus("", healthpb.HealthCheckResponse_SERVING)
	h.opts.logger.Info("host started", "services", len(services), "policy", h.opts.policy)

	err := g.Wait()

	for _, s := range services {
		h.setStatus(s.Name(), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	h.setStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if err != nil {
		h.opts.logger.Error("host stopped", "error", err)
		return err
	}
	h.opts.logger.Info("host stopped")
	return nil
}

// supervise runs s until it finishes, ctx ends, or it fails under FailFast.
func (h *Host) supervise(ctx context.Context, s Service) error {
	name := s.Name()
	logger := h.opts.logger.With("service", name)

	for {
		err := runSafe(ctx, s)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			logger.Info("service finished")
			h.setStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
			return nil
		}

		h.setStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
		if h.opts.policy == FailFast {
			logger.Error("service failed, stopping host", "error", err)
			return &ServiceError{Service: name, Err: err}
		}

		logger.Error("service failed, restarting", "error", err)
		if h.opts.limiter.Wait(ctx) != nil {
			return nil
		}
		h.restartCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("service", name)))
		h.setStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
}

func runSafe(ctx context.Context, s Service) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.Run(ctx)
}

func (h *Host) setStatus(name string, status healthpb.HealthCheckResponse_ServingStatus) {
	if h.opts.health != nil {
		h.opts.health.SetServingStatus(name, status)
	}
}
