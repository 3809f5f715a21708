// Package errs defines the error taxonomy shared by the lifecycle engine,
// the approval ledger and the import orchestrator.
//
// Every failure that can reach a caller is one of a small set of typed
// errors. Callers classify with errors.As (or the Is* helpers) and never by
// matching message text. Row-level import failures are additionally bucketed
// into a Category for the error report.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Category buckets a row failure for the import error report.
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategoryProcessing Category = "PROCESSING"
	CategorySystem     Category = "SYSTEM"
)

// ValidationError reports malformed input for a single field.
type ValidationError struct {
	Field   string // Field/column name
	Value   string // The invalid value (never a protected value)
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Validation is shorthand for a ValidationError without a value.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a uniqueness violation: a second working copy, a
// second active version, or a duplicate (code, version) pair.
type ConflictError struct {
	Key    string // business key that collided (e.g. loader code)
	Reason string
	Err    error // underlying storage error, if any
}

func (e *ConflictError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("conflict on %q: %s", e.Key, e.Reason)
	}
	return "conflict: " + e.Reason
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Conflict builds a ConflictError for key.
func Conflict(key, format string, args ...any) *ConflictError {
	return &ConflictError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation attempted from a state that does
// not permit it.
type InvalidStateError struct {
	Op    string // attempted operation
	State string // state the target was in
	Hint  string // optional next step for the caller
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("invalid state: cannot %s from %s", e.Op, e.State)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// InvalidState builds an InvalidStateError.
func InvalidState(op, state string) *InvalidStateError {
	return &InvalidStateError{Op: op, State: state}
}

// AuthorizationError reports an actor that may not perform an operation.
type AuthorizationError struct {
	Actor  string
	Op     string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized: %s may not %s: %s", e.Actor, e.Op, e.Reason)
}

// Unauthorized builds an AuthorizationError.
func Unauthorized(actor, op, reason string) *AuthorizationError {
	return &AuthorizationError{Actor: actor, Op: op, Reason: reason}
}

// EncryptionError reports a failure sealing or opening a protected field.
// The message names the field only; plaintext never appears in it.
type EncryptionError struct {
	Field string
	Err   error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption failure on field %q: %v", e.Field, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// DownstreamUnavailableError reports a dependency call that timed out or
// could not be reached.
type DownstreamUnavailableError struct {
	Op  string
	Err error
}

func (e *DownstreamUnavailableError) Error() string {
	return fmt.Sprintf("downstream unavailable during %s: %v", e.Op, e.Err)
}

func (e *DownstreamUnavailableError) Unwrap() error { return e.Err }

// Downstream wraps err as a DownstreamUnavailableError.
func Downstream(op string, err error) *DownstreamUnavailableError {
	return &DownstreamUnavailableError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

func IsEncryption(err error) bool {
	var target *EncryptionError
	return errors.As(err, &target)
}

func IsDownstream(err error) bool {
	var target *DownstreamUnavailableError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CategoryOf classifies err for the import error report. Validation
// failures are VALIDATION; infrastructure failures (timeouts, unreachable
// dependencies, encryption) are SYSTEM; everything else is PROCESSING.
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return CategoryValidation
	case IsDownstream(err), IsEncryption(err),
		errors.Is(err, context.DeadlineExceeded):
		return CategorySystem
	default:
		return CategoryProcessing
	}
}
