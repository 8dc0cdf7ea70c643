package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingKey is wrapped by every *Error.
var ErrMissingKey = errors.New("required configuration key not supplied")

// Error reports a required key that no source supplied.
type Error struct {
	Key       string
	Attempted []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: expected key %q not supplied (attempted keys: %s)", e.Key, strings.Join(e.Attempted, ", "))
}

func (e *Error) Unwrap() error {
	return ErrMissingKey
}

// IsMissingKey checks if an error reports a missing required key.
func IsMissingKey(err error) bool {
	return errors.Is(err, ErrMissingKey)
}
