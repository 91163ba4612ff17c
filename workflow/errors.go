package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrNotFound is returned when a workflow, task, job, or execution is
	// absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap update lost the
	// race; the winning worker will continue.
	ErrConflict = errors.New("conflict on transition")

	// ErrStaleResult is returned when a result's stage does not match the
	// workflow's persisted stage.
	ErrStaleResult = errors.New("stale result")

	// ErrSchemaInvalid is returned when a bus message fails its schema.
	ErrSchemaInvalid = errors.New("schema invalid")

	// ErrDuplicate is returned when an event id was already processed.
	ErrDuplicate = errors.New("duplicate event")

	// ErrLockHeld is returned when another worker holds the per-task lock.
	ErrLockHeld = errors.New("lock held by another worker")

	// ErrTerminal is returned when an operation targets a workflow in a
	// terminal state.
	ErrTerminal = errors.New("workflow in terminal state")
)

// ValidationError describes an input that does not satisfy its contract.
// It is surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
