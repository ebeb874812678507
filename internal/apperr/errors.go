// Package apperr defines the error taxonomy shared by tidemark components.
//
// Faults are reported as *Error with a Code. IdempotencyConflict is kept as
// its own type because it is not a fault: it is the definitive signal that a
// unit of work already ran. An empty lease and a dead task are never errors.
package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes component errors.
type Code string

const (
	// CodeValidation indicates a malformed entity or argument.
	CodeValidation Code = "VALIDATION"

	// CodeReferentialIntegrity indicates a write referencing a missing entity.
	CodeReferentialIntegrity Code = "REFERENTIAL_INTEGRITY"

	// CodeNotFound indicates a missing entity, or a terminal transition
	// attempted on an entity that is no longer in the expected state.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is a categorized component error. None of these are retried
// automatically.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a short machine-stable description
	// (e.g. "exactly-one-payload").
	Message string

	// Entity names the entity kind involved ("item", "run", ...).
	Entity string

	// ID identifies the entity when known.
	ID string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Entity != "" && e.ID != "":
		return fmt.Sprintf("%s: %s (%s=%s)", e.Code, e.Message, e.Entity, e.ID)
	case e.Entity != "":
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Entity)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IdempotencyConflict reports that an idempotency key was already used.
// Callers are expected to treat it as a successful no-op.
type IdempotencyConflict struct {
	Key           string
	ExistingRunID string
}

// Error implements the error interface.
func (e *IdempotencyConflict) Error() string {
	return fmt.Sprintf("idempotency key %q already used by run %s", e.Key, e.ExistingRunID)
}

// Validation creates a validation error.
func Validation(entity, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Entity: entity}
}

// Validationf creates a validation error with a formatted message.
func Validationf(entity, format string, args ...any) *Error {
	return Validation(entity, fmt.Sprintf(format, args...))
}

// ReferentialIntegrity creates an error for a reference to a missing entity.
func ReferentialIntegrity(entity, id, message string) *Error {
	return &Error{Code: CodeReferentialIntegrity, Message: message, Entity: entity, ID: id}
}

// NotFound creates a not-found error.
func NotFound(entity, id string) *Error {
	return &Error{Code: CodeNotFound, Message: "not found", Entity: entity, ID: id}
}

// NotFoundf creates a not-found error with a custom message.
func NotFoundf(entity, id, format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...), Entity: entity, ID: id}
}

// CodeOf returns the Code of err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsReferentialIntegrity returns true if err is a referential integrity error.
func IsReferentialIntegrity(err error) bool {
	return CodeOf(err) == CodeReferentialIntegrity
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// AsIdempotencyConflict extracts an IdempotencyConflict from err.
func AsIdempotencyConflict(err error) (*IdempotencyConflict, bool) {
	var c *IdempotencyConflict
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// IsIdempotencyConflict returns true if err carries an IdempotencyConflict.
func IsIdempotencyConflict(err error) bool {
	_, ok := AsIdempotencyConflict(err)
	return ok
}
