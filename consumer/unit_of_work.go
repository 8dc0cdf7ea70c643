package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// UnitOfWork runs fn inside a fresh scope from scopes.
//
// The scope is always closed, whether fn succeeds, fails or panics. A
// panic is recovered into a *PanicError. Failing to open the scope is
// reported as ErrHandlerUnavailable.
func UnitOfWork(ctx context.Context, scopes ScopeFactory, fn func(ctx context.Context, s *Scope) error) (err error) {
	scope, err := scopes.BeginScope(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin scope: %w", ErrHandlerUnavailable, err)
	}

	defer func() {
		if cerr := scope.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close scope: %w", cerr))
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	return fn(ctx, scope)
}
