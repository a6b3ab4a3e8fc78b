package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's error taxonomy. Callers classify
// with errors.Is; the HTTP layer maps each to a stable code and status.
var (
	// ErrNotFound - unknown task or queue id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition - the requested event is not valid for the
	// task's current status, or its guard rejected the actor.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTaskClosed - write attempted on a CLOSED or COMPLETED task.
	ErrTaskClosed = errors.New("task closed")
	// ErrConflict - optimistic-version mismatch; the caller must re-read
	// and may retry a bounded number of times.
	ErrConflict = errors.New("version conflict")
	// ErrSubscriptionNotAllowed - the target queue does not accept
	// subscriptions.
	ErrSubscriptionNotAllowed = errors.New("subscription not allowed")
	// ErrStoreUnavailable - transient store failure (timeout or I/O);
	// safe to retry with backoff. Never a partial write.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrValidation - malformed input, e.g. a defer-until in the past.
	ErrValidation = errors.New("validation error")
)

// Code returns the stable wire code for an engine error, or "INTERNAL"
// for anything outside the taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrTaskClosed):
		return "TASK_CLOSED"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrSubscriptionNotAllowed):
		return "SUBSCRIPTION_NOT_ALLOWED"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	default:
		return "INTERNAL"
	}
}

// Retryable reports whether the caller may retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
