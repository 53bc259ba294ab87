package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the category of a Cortex failure.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindInvariantViolation  ErrorKind = "invariant_violation"
	KindIsolationViolation  ErrorKind = "isolation_violation"
	KindConflict            ErrorKind = "conflict"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindInvalidInput        ErrorKind = "invalid_input"
)

// Error is the typed failure returned by every store and service.
type Error struct {
	Kind    ErrorKind
	Entity  string // e.g. "conversation", "fact"
	ID      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Entity != "" {
		msg += " " + e.Entity
		if e.ID != "" {
			msg += " " + e.ID
		}
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" if err is not a *Error.
func KindOf(err error) ErrorKind {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.Kind
	}
	return ""
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvariantViolation checks if an error is an invariant violation.
func IsInvariantViolation(err error) bool { return KindOf(err) == KindInvariantViolation }

// IsIsolationViolation checks if an error is an isolation violation.
func IsIsolationViolation(err error) bool { return KindOf(err) == KindIsolationViolation }

// IsConflict checks if an error is an optimistic concurrency conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsUpstreamUnavailable checks if an error came from a failing external collaborator.
func IsUpstreamUnavailable(err error) bool { return KindOf(err) == KindUpstreamUnavailable }

// IsInvalidInput checks if an error is caused by a malformed request.
func IsInvalidInput(err error) bool { return KindOf(err) == KindInvalidInput }

// NotFound creates an error for a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

// InvariantViolation creates an error for a broken structural rule.
func InvariantViolation(entity, id, format string, args ...any) *Error {
	return &Error{Kind: KindInvariantViolation, Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

// IsolationViolation creates an error for cross-tenant or cross-space access.
func IsolationViolation(entity, id, format string, args ...any) *Error {
	return &Error{Kind: KindIsolationViolation, Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates an error for a version mismatch.
func Conflict(entity, id string, expected, actual int) *Error {
	return &Error{
		Kind:    KindConflict,
		Entity:  entity,
		ID:      id,
		Message: fmt.Sprintf("expected version %d, found %d", expected, actual),
	}
}

// UpstreamUnavailable wraps a failure of an embedding, extraction, resolver or graph call.
func UpstreamUnavailable(upstream string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Entity: upstream, Err: err}
}

// InvalidInput creates an error for a malformed request.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// ConcurrentUpdate creates a conflict error for a write that lost a race.
func ConcurrentUpdate(entity, id string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Message: "concurrent update"}
}
