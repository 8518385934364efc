package app

import (
	"errors"
	"fmt"
)

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrProjection          = errors.New("projection failed")
	ErrInvalidDispatch     = errors.New("invalid dispatch mode")
)

// ConflictError reports an expected-version mismatch on append.
type ConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected version %d, actual %d", e.AggregateID, e.Expected, e.Actual)
}

// Is matches ErrConcurrencyConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// IsRetryable reports whether re-running the command may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// projectionErrorf wraps ErrProjection with event context.
func projectionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProjection, fmt.Sprintf(format, args...))
}
