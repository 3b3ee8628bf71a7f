// Package errs defines the error kinds shared across SPEAR's components
// (spec.md §7). Kinds are plain sentinel errors; call sites wrap them with
// fmt.Errorf("%w: ...") so errors.Is still matches the kind after wrapping.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. These are never returned bare; Wrap attaches context.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrUnavailable          = errors.New("unavailable")
	ErrOverloaded           = errors.New("overloaded")
	ErrNoCapacity           = errors.New("no capacity")
	ErrTimeout              = errors.New("timeout")
	ErrCancelled            = errors.New("cancelled")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrToolExecution        = errors.New("tool execution error")
	ErrBudgetExhausted      = errors.New("budget exhausted")
	ErrProtocol             = errors.New("protocol error")
	ErrStorage              = errors.New("storage error")
)

// Wrap annotates a sentinel kind with call-site context while keeping it
// matchable via errors.Is(err, sentinel).
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Retryable reports whether the propagation policy in spec.md §7 allows a
// local retry for this error kind (transport and pressure classes only).
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrUnavailable):
		return true
	case errors.Is(err, ErrOverloaded):
		return true
	case errors.Is(err, ErrNoCapacity):
		return true
	default:
		return false
	}
}
