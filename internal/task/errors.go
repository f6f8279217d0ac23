package task

import (
	"errors"
	"fmt"
)

// Common errors returned by the task package
var (
	// ErrPoolStopped is returned by Submit after the worker pool has been stopped.
	ErrPoolStopped = errors.New("worker pool is stopped")

	// ErrOperationNotRegistered is wrapped by ReplayError when an instance
	// names an operation that is not in the registry.
	ErrOperationNotRegistered = errors.New("operation not registered")

	// ErrArgumentCount is wrapped by ReplayError when the stored arguments
	// do not match the operation's arity.
	ErrArgumentCount = errors.New("argument count mismatch")
)

// ReplayError reports that a stored instance could not be turned back into
// a call, as opposed to the call itself failing.
type ReplayError struct {
	MethodSignature string
	Err             error
}

// Error implements the error interface.
func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay failed for %s: %v", e.MethodSignature, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ReplayError) Unwrap() error {
	return e.Err
}

// IsReplayError reports whether err is or wraps a *ReplayError.
func IsReplayError(err error) bool {
	var re *ReplayError
	return errors.As(err, &re)
}
