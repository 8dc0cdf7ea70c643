package consumer

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/codec"
)

// Handler processes one decoded message.
// Returning an error leaves the record unacknowledged.
type Handler[T any] interface {
	Handle(ctx context.Context, msg T, mc MessageContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, msg T, mc MessageContext) error

// Handle calls f.
func (f HandlerFunc[T]) Handle(ctx context.Context, msg T, mc MessageContext) error {
	return f(ctx, msg, mc)
}

// HandlerFactory resolves a handler inside a message scope.
//
// Example:
//
//	func(s *consumer.Scope) (consumer.Handler[OrderCreated], error) {
//	    repo, err := consumer.Get[*OrderRepository](s)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return &OrderCreatedHandler{repo: repo}, nil
//	}
type HandlerFactory[T any] func(s *Scope) (Handler[T], error)

// InvokeFunc decodes data with c and runs the handler resolved from s.
type InvokeFunc func(ctx context.Context, s *Scope, c codec.Codec, data []byte, mc MessageContext) error

// Registration binds a type tag to a handler invocation.
// Build registrations with Handle rather than by hand.
type Registration struct {
	Topic  string
	Type   string
	GoType reflect.Type
	Invoke InvokeFunc
}

// Registry maps type tags to handler registrations.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Registration)}
}

// Register adds reg. A type tag can be registered once.
func (r *Registry) Register(reg Registration) error {
	switch {
	case strings.TrimSpace(reg.Topic) == "":
		return &courier.ConfigurationError{Component: "consumer registry", Reason: fmt.Sprintf("empty topic for type %q", reg.Type)}
	case strings.TrimSpace(reg.Type) == "":
		return &courier.ConfigurationError{Component: "consumer registry", Reason: fmt.Sprintf("empty type tag on topic %s", reg.Topic)}
	case reg.Invoke == nil:
		return &courier.ConfigurationError{Component: "consumer registry", Reason: fmt.Sprintf("nil handler for type %q", reg.Type)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byType[reg.Type]; ok {
		return &courier.ConfigurationError{
			Component: "consumer registry",
			Reason:    fmt.Sprintf("type tag %q registered twice", reg.Type),
			Err:       courier.ErrDuplicateRegistration,
		}
	}
	r.byType[reg.Type] = reg
	return nil
}

// Resolve returns the registration for a type tag.
func (r *Registry) Resolve(messageType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byType[messageType]
	return reg, ok
}

// Topics returns the distinct topics of all registrations, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var topics []string
	for _, reg := range r.byType {
		if !slices.Contains(topics, reg.Topic) {
			topics = append(topics, reg.Topic)
		}
	}
	slices.Sort(topics)
	return topics
}

// Handle registers a handler for messages of type T tagged messageType.
// The handler is resolved from each message's scope through factory.
//
// Example:
//
//	err := consumer.Handle(registry, "orders", "order_created",
//	    func(s *consumer.Scope) (consumer.Handler[OrderCreated], error) {
//	        return consumer.Get[*OrderCreatedHandler](s)
//	    })
func Handle[T any](r *Registry, topic, messageType string, factory HandlerFactory[T]) error {
	if factory == nil {
		return &courier.ConfigurationError{Component: "consumer registry", Reason: fmt.Sprintf("nil handler factory for type %q", messageType)}
	}

	return r.Register(Registration{
		Topic:  topic,
		Type:   messageType,
		GoType: reflect.TypeFor[T](),
		Invoke: func(ctx context.Context, s *Scope, c codec.Codec, data []byte, mc MessageContext) error {
			h, err := factory(s)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrHandlerUnavailable, err)
			}
			if h == nil {
				return fmt.Errorf("%w: factory for %q returned nil", ErrHandlerUnavailable, messageType)
			}

			var msg T
			if err := c.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("decode %s data: %w", messageType, err)
			}
			return h.Handle(ctx, msg, mc)
		},
	})
}

// HandleFunc registers a handler function that needs no scoped dependencies.
func HandleFunc[T any](r *Registry, topic, messageType string, fn HandlerFunc[T]) error {
	if fn == nil {
		return &courier.ConfigurationError{Component: "consumer registry", Reason: fmt.Sprintf("nil handler for type %q", messageType)}
	}
	return Handle(r, topic, messageType, func(*Scope) (Handler[T], error) {
		return fn, nil
	})
}

// MustHandle is like Handle but panics on error.
func MustHandle[T any](r *Registry, topic, messageType string, factory HandlerFactory[T]) {
	if err := Handle(r, topic, messageType, factory); err != nil {
		panic(err)
	}
}
