package consumer

import (
	"errors"
	"fmt"
)

// Consumer errors
var (
	// ErrMissingHandlerRegistration is returned when a record's type tag
	// has no handler. The record is neither handled nor acknowledged.
	ErrMissingHandlerRegistration = errors.New("no handler registered for message type")

	// ErrHandlerUnavailable is returned when the handler or one of its
	// dependencies could not be resolved from the scope.
	ErrHandlerUnavailable = errors.New("handler unavailable")

	// ErrServiceNotProvided is returned by Get for a type the container
	// does not provide.
	ErrServiceNotProvided = errors.New("service not provided")

	// ErrDependencyCycle is returned when resolving a service requires
	// the service itself.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrCaptiveDependency is returned when a singleton depends on a
	// scoped or transient service.
	ErrCaptiveDependency = errors.New("singleton cannot depend on shorter-lived service")

	// ErrScopeClosed is returned when a closed scope is used.
	ErrScopeClosed = errors.New("scope closed")

	// ErrContainerClosed is returned when a closed container begins a scope.
	ErrContainerClosed = errors.New("container closed")

	// ErrManualCommitHook is returned by ConsumeAll when auto-commit is
	// disabled and no result hook was configured.
	ErrManualCommitHook = errors.New("manual commit requires a result hook")
)

// MissingHandlerRegistrationError names the type tag that has no handler.
type MissingHandlerRegistrationError struct {
	Type      string
	MessageID string
	Topic     string
}

func (e *MissingHandlerRegistrationError) Error() string {
	return fmt.Sprintf("%s: %q (message %s on %s)", ErrMissingHandlerRegistration, e.Type, e.MessageID, e.Topic)
}

func (e *MissingHandlerRegistrationError) Unwrap() error {
	return ErrMissingHandlerRegistration
}

// IsMissingHandlerRegistration checks if an error reports an unhandled type.
func IsMissingHandlerRegistration(err error) bool {
	return errors.Is(err, ErrMissingHandlerRegistration)
}

// HandlerError wraps a failure of a unit of work with the message identity.
type HandlerError struct {
	MessageID string
	Type      string
	Topic     string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s message %s from %s: %v", e.Type, e.MessageID, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError checks if an error is a handler failure.
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}

// PanicError is returned when a handler or a dependency panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
