package courier

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// Registration maps an outgoing Go type to a topic and a type tag.
type Registration struct {
	// Topic the message is published to.
	Topic string
	// Type is the tag written to the envelope's type field.
	Type string

	goType reflect.Type
	keyOf  func(any) string
}

// Key returns the partition key of msg.
func (r Registration) Key(msg any) string {
	if r.keyOf == nil {
		return ""
	}
	return r.keyOf(msg)
}

// GoType returns the registered Go type.
func (r Registration) GoType() reflect.Type {
	return r.goType
}

// Registry holds the outgoing message registrations.
// It is safe for concurrent use; registration normally happens at startup.
type Registry struct {
	mu    sync.RWMutex
	byGo  map[reflect.Type]Registration
	byTag map[string]reflect.Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byGo:  make(map[reflect.Type]Registration),
		byTag: make(map[string]reflect.Type),
	}
}

// Register adds an outgoing registration for T.
//
// key selects the partition key from a message. Messages can be produced as
// T or *T. Registering T twice, or reusing a type tag, returns a
// *ConfigurationError wrapping ErrDuplicateRegistration.
//
// Example:
//
//	registry := courier.NewRegistry()
//	err := courier.Register(registry, "orders", "order_created",
//	    func(o OrderCreated) string { return o.OrderID })
func Register[T any](r *Registry, topic, messageType string, key func(T) string) error {
	goType := reflect.TypeFor[T]()

	switch {
	case r == nil:
		return ErrRegistryRequired
	case strings.TrimSpace(topic) == "":
		return &ConfigurationError{Component: "registry", Reason: fmt.Sprintf("empty topic for %s", goType)}
	case strings.TrimSpace(messageType) == "":
		return &ConfigurationError{Component: "registry", Reason: fmt.Sprintf("empty type tag for %s", goType)}
	case key == nil:
		return &ConfigurationError{Component: "registry", Reason: fmt.Sprintf("nil key selector for %s", goType)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byGo[goType]; ok {
		return &ConfigurationError{
			Component: "registry",
			Reason:    fmt.Sprintf("%s registered twice", goType),
			Err:       ErrDuplicateRegistration,
		}
	}
	if other, ok := r.byTag[messageType]; ok {
		return &ConfigurationError{
			Component: "registry",
			Reason:    fmt.Sprintf("type tag %q already used by %s", messageType, other),
			Err:       ErrDuplicateRegistration,
		}
	}

	r.byGo[goType] = Registration{
		Topic:  topic,
		Type:   messageType,
		goType: goType,
		keyOf: func(msg any) string {
			switch m := msg.(type) {
			case T:
				return key(m)
			case *T:
				if m != nil {
					return key(*m)
				}
			}
			return ""
		},
	}
	r.byTag[messageType] = goType
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister[T any](r *Registry, topic, messageType string, key func(T) string) {
	if err := Register(r, topic, messageType, key); err != nil {
		panic(err)
	}
}

// Lookup returns the registration for the dynamic type of msg.
// Pointers resolve to the registration of their element type.
func (r *Registry) Lookup(msg any) (Registration, error) {
	if msg == nil {
		return Registration{}, fmt.Errorf("%w: <nil>", ErrUnregisteredMessageType)
	}

	t := reflect.TypeOf(msg)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.byGo[t]; ok {
		return reg, nil
	}
	if t.Kind() == reflect.Pointer {
		if reg, ok := r.byGo[t.Elem()]; ok {
			return reg, nil
		}
	}
	return Registration{}, fmt.Errorf("%w: %s", ErrUnregisteredMessageType, t)
}

// LookupType returns the registration for a type tag.
func (r *Registry) LookupType(messageType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byTag[messageType]
	if !ok {
		return Registration{}, false
	}
	return r.byGo[t], true
}

// Registrations returns all registrations sorted by type tag.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.byGo))
	for _, reg := range r.byGo {
		out = append(out, reg)
	}
	slices.SortFunc(out, func(a, b Registration) int {
		return strings.Compare(a.Type, b.Type)
	})
	return out
}
