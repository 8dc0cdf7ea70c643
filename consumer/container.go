package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/rbaliyan/courier"
)

// Lifetime controls how often a service is created.
type Lifetime int

const (
	// Singleton services are created once per container and closed when
	// the container closes.
	Singleton Lifetime = iota
	// Scoped services are created once per message scope and closed when
	// the scope ends.
	Scoped
	// Transient services are created on every Get and closed when the
	// scope that requested them ends.
	Transient
)

// String returns a string representation of the lifetime.
func (l Lifetime) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case Scoped:
		return "scoped"
	case Transient:
		return "transient"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ScopeFactory opens the scope of one unit of work.
// *Container implements it.
type ScopeFactory interface {
	BeginScope(ctx context.Context) (*Scope, error)
}

type service struct {
	lifetime Lifetime
	build    func(s *Scope) (any, error)
}

// Container holds service providers and singleton instances.
//
// Services are keyed by their Go type. Instances implementing io.Closer
// are closed in reverse creation order: scoped and transient ones at the
// end of their scope, singletons by Close.
//
// Example:
//
//	c := consumer.NewContainer()
//	consumer.Provide(c, consumer.Singleton, func(s *consumer.Scope) (*sql.DB, error) {
//	    return db, nil
//	})
//	consumer.Provide(c, consumer.Scoped, func(s *consumer.Scope) (*OrderRepository, error) {
//	    db, err := consumer.Get[*sql.DB](s)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return NewOrderRepository(db), nil
//	})
//	defer c.Close()
type Container struct {
	mu         sync.RWMutex
	services   map[reflect.Type]service
	buildMu    sync.Mutex
	singletons map[reflect.Type]any
	closers    []io.Closer
	closed     bool
	logger     *slog.Logger
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{
		services:   make(map[reflect.Type]service),
		singletons: make(map[reflect.Type]any),
		logger:     slog.Default().With("component", "consumer.container"),
	}
}

// WithLogger sets a custom logger.
//
// Returns the container for method chaining.
func (c *Container) WithLogger(l *slog.Logger) *Container {
	if l != nil {
		c.logger = l
	}
	return c
}

// Provide registers build as the provider of T.
func Provide[T any](c *Container, lifetime Lifetime, build func(s *Scope) (T, error)) error {
	t := reflect.TypeFor[T]()
	if build == nil {
		return &courier.ConfigurationError{Component: "container", Reason: fmt.Sprintf("nil provider for %s", t)}
	}
	if lifetime < Singleton || lifetime > Transient {
		return &courier.ConfigurationError{Component: "container", Reason: fmt.Sprintf("invalid lifetime %s for %s", lifetime, t)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.services[t]; ok {
		return &courier.ConfigurationError{
			Component: "container",
			Reason:    fmt.Sprintf("%s provided twice", t),
			Err:       courier.ErrDuplicateRegistration,
		}
	}
	c.services[t] = service{
		lifetime: lifetime,
		build: func(s *Scope) (any, error) {
			return build(s)
		},
	}
	return nil
}

// MustProvide is like Provide but panics on error.
func MustProvide[T any](c *Container, lifetime Lifetime, build func(s *Scope) (T, error)) {
	if err := Provide(c, lifetime, build); err != nil {
		panic(err)
	}
}

// Instance registers an already built singleton.
// The container closes it on Close if it implements io.Closer.
func Instance[T any](c *Container, v T) error {
	return Provide(c, Singleton, func(*Scope) (T, error) { return v, nil })
}

// BeginScope opens a scope for one unit of work.
func (c *Container) BeginScope(ctx context.Context) (*Scope, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrContainerClosed
	}
	return &Scope{
		ctx:       ctx,
		container: c,
		scoped:    make(map[reflect.Type]any),
		resolving: make(map[reflect.Type]bool),
	}, nil
}

// Close closes singleton instances in reverse creation order.
// Errors are joined.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.buildMu.Lock()
	closers := c.closers
	c.closers = nil
	c.buildMu.Unlock()

	err := closeReverse(closers)
	if err != nil {
		c.logger.Error("failed to close singletons", "error", err)
	}
	return err
}

func (c *Container) lookup(t reflect.Type) (service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[t]
	return svc, ok
}

// Scope resolves services for one unit of work.
//
// A Scope is used by one goroutine and must be closed; the consumer does
// both for every message.
type Scope struct {
	ctx       context.Context
	container *Container
	scoped    map[reflect.Type]any
	closers   []io.Closer
	resolving map[reflect.Type]bool
	// singletonDepth > 0 while building a singleton; the build lock is held
	singletonDepth int
	closed         bool
}

// Context returns the context of the unit of work.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Get resolves T from the scope.
func Get[T any](s *Scope) (T, error) {
	var zero T
	v, err := s.resolve(reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}

// MustGet is like Get but panics on error.
// The consumer turns the panic into a failed unit of work.
func MustGet[T any](s *Scope) T {
	v, err := Get[T](s)
	if err != nil {
		panic(err)
	}
	return v
}

func (s *Scope) resolve(t reflect.Type) (any, error) {
	if s.closed {
		return nil, ErrScopeClosed
	}

	svc, ok := s.container.lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotProvided, t)
	}
	if s.resolving[t] {
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, t)
	}
	if s.singletonDepth > 0 && svc.lifetime != Singleton {
		return nil, fmt.Errorf("%w: %s service %s", ErrCaptiveDependency, svc.lifetime, t)
	}

	switch svc.lifetime {
	case Singleton:
		return s.resolveSingleton(t, svc)
	case Scoped:
		if v, ok := s.scoped[t]; ok {
			return v, nil
		}
		v, err := s.build(t, svc)
		if err != nil {
			return nil, err
		}
		s.scoped[t] = v
		s.track(v)
		return v, nil
	default:
		v, err := s.build(t, svc)
		if err != nil {
			return nil, err
		}
		s.track(v)
		return v, nil
	}
}

func (s *Scope) resolveSingleton(t reflect.Type, svc service) (any, error) {
	c := s.container
	if s.singletonDepth == 0 {
		c.buildMu.Lock()
		defer c.buildMu.Unlock()
	}
	if v, ok := c.singletons[t]; ok {
		return v, nil
	}

	s.singletonDepth++
	v, err := s.build(t, svc)
	s.singletonDepth--
	if err != nil {
		return nil, err
	}

	c.singletons[t] = v
	if closer, ok := v.(io.Closer); ok {
		c.closers = append(c.closers, closer)
	}
	return v, nil
}

func (s *Scope) build(t reflect.Type, svc service) (any, error) {
	s.resolving[t] = true
	defer delete(s.resolving, t)

	v, err := svc.build(s)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", t, err)
	}
	return v, nil
}

func (s *Scope) track(v any) {
	if closer, ok := v.(io.Closer); ok {
		s.closers = append(s.closers, closer)
	}
}

// Close closes scoped and transient instances in reverse creation order.
// Errors are joined. Calling Close again is a no-op.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.scoped = nil
	return closeReverse(closers)
}

func closeReverse(closers []io.Closer) error {
	var errs []error
	for _, closer := range slices.Backward(closers) {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time check
var _ ScopeFactory = (*Container)(nil)
