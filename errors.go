package courier

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the producer side.
// Use errors.Is() to check for them as they are usually wrapped with the
// offending Go type or type tag.
var (
	// ErrUnregisteredMessageType is returned when a message has no
	// registration. The wrapping error names the Go type.
	ErrUnregisteredMessageType = errors.New("message type is not registered")

	// ErrDuplicateRegistration is returned when a Go type or type tag is
	// registered twice.
	ErrDuplicateRegistration = errors.New("message type already registered")

	// ErrPublisherRequired is returned by NewProducer without a publisher.
	ErrPublisherRequired = errors.New("publisher is required")

	// ErrRegistryRequired is returned when a component is built without a registry.
	ErrRegistryRequired = errors.New("registry is required")
)

// ConfigurationError reports an invalid setup detected while wiring
// components. It must abort startup.
type ConfigurationError struct {
	Component string
	Reason    string
	Err       error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("courier: invalid %s configuration: %s: %v", e.Component, e.Reason, e.Err)
	}
	return fmt.Sprintf("courier: invalid %s configuration: %s", e.Component, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError checks if an error is a configuration error.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// PublishError carries the message identity of a failed publish.
// The outbox dispatcher returns it when a row cannot be delivered.
type PublishError struct {
	MessageID string
	Type      string
	Topic     string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish message %s (type %q, topic %q): %v", e.MessageID, e.Type, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsPublishError checks if an error is a publish failure.
func IsPublishError(err error) bool {
	var pubErr *PublishError
	return errors.As(err, &pubErr)
}
