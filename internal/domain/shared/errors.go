// Package shared contains the error taxonomy shared by every layer of the
// progress engine. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound = errors.New("entity not found")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrFutureTimestamp = errors.New("timestamp cannot be in the future")

	// State errors
	ErrInvalidState = errors.New("invalid state")

	// Infrastructure errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// Progress engine error kinds.
var (
	// ErrInvalidEvent marks malformed or out-of-order input. Never retried.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrConcurrencyConflict marks a lock or serialization failure on a user's
	// aggregate row. The whole ingestion may be retried once.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrCacheUnavailable marks a read cache backend failure. Callers degrade to
	// direct reads; it is never returned to API clients.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrAchievementConflict marks a duplicate unlock race. It is resolved by
	// ignore-on-conflict and exists for logging only.
	ErrAchievementConflict = errors.New("achievement already unlocked")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "ingest", "aggregate", "achievement"
	Op      string // Operation that failed, e.g., "IngestCompletion"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// InvalidEvent builds an ErrInvalidEvent that also carries the finer validation
// sentinel (ErrEmptyValue, ErrValueOutOfRange, ...) for errors.Is checks.
func InvalidEvent(op string, detail error, message string) *DomainError {
	return &DomainError{
		Domain:  "ingest",
		Op:      op,
		Kind:    ErrInvalidEvent,
		Message: message,
		Err:     detail,
	}
}

// Progress domain errors
var (
	ErrUserNotFound         = NewDomainError("progress", "Find", ErrNotFound, "user not found")
	ErrUserInactive         = NewDomainError("ingest", "Validate", ErrInvalidEvent, "user does not exist or is inactive")
	ErrLessonInactive       = NewDomainError("ingest", "Validate", ErrInvalidEvent, "lesson does not exist or is inactive")
	ErrAttemptOutOfSequence = NewDomainError("ingest", "Validate", ErrInvalidEvent, "attempt number is out of sequence")
	ErrAggregateInvariant   = NewDomainError("aggregate", "Apply", ErrInvalidState, "aggregate invariant violated")
	ErrUnknownCriteria      = NewDomainError("achievement", "Measure", ErrInvalidInput, "unknown criteria kind")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidEvent checks if the error rejects an ingested event.
func IsInvalidEvent(err error) bool {
	return errors.Is(err, ErrInvalidEvent)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrFutureTimestamp)
}

// IsConcurrencyConflict checks if the error is a retryable lock conflict.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrencyConflict)
}
