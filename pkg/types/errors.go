package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies operation failures so callers can dispatch on them
// without parsing messages.
type ErrorKind string

const (
	// KindForbidden: authorization failure. Never destructive.
	KindForbidden ErrorKind = "forbidden"

	// KindNotFound: record or runtime entity missing. Safe to treat as
	// already terminal.
	KindNotFound ErrorKind = "not_found"

	// KindQuotaExceeded, KindTooEarly, KindLimitReached: policy rejections.
	// User-correctable, no state change happened.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindTooEarly      ErrorKind = "too_early"
	KindLimitReached  ErrorKind = "limit_reached"

	// KindRuntimeError: transport or engine fault.
	KindRuntimeError ErrorKind = "runtime_error"

	// KindAllocationConflict: port or uniqueness race lost. Retried once
	// before being surfaced.
	KindAllocationConflict ErrorKind = "allocation_conflict"
)

// Error is the structured failure returned by engine, reconciler and
// session operations.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error with a wrapped cause.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func QuotaExceeded(message string) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: message}
}

func TooEarly(message string) *Error {
	return &Error{Kind: KindTooEarly, Message: message}
}

func LimitReached(message string) *Error {
	return &Error{Kind: KindLimitReached, Message: message}
}

func RuntimeError(message string, err error) *Error {
	return &Error{Kind: KindRuntimeError, Message: message, Err: err}
}

func AllocationConflict(message string) *Error {
	return &Error{Kind: KindAllocationConflict, Message: message}
}

// KindOf returns the kind of err, or KindRuntimeError for errors that
// carry no classification.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRuntimeError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
