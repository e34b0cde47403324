/*
errors.go - Error taxonomy shared by rollup and rate limiting

ERROR CATEGORIES:
  1. Validation - bad input, rejected before any mutation (names the field)
  2. Not found  - finder reads return (nil, nil); ErrNotFound is for by-ID updates
  3. Conflict   - duplicate natural key on create
  4. Transient  - timeouts and connection failures; retryable for rollup and
                  prune, fail-closed DENY for the rate limiter

USAGE:
  if core.IsRetryable(err) {
      // leave the window for the next scheduler tick
  }
*/
package core

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an update targets a row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a create collides with an existing natural key.
	ErrConflict = errors.New("already exists")

	// ErrTransient marks store failures that may succeed on retry.
	ErrTransient = errors.New("transient store failure")

	// ErrWindowOverlap is returned when a rollup window partially overlaps a
	// window that was already processed.
	ErrWindowOverlap = errors.New("rollup window overlaps a processed window")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransientError wraps a retryable store failure with the operation that hit it.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// ConflictError reports which natural key collided.
type ConflictError struct {
	Entity string
	Key    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Entity, e.Key)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Context deadlines count: a store call that timed out is worth another try.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrWindowOverlap)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for duplicate-key creates.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// ValidationField extracts the offending field name, or "" if err is not a
// validation error.
func ValidationField(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	return ""
}
