// Package apperr defines the error taxonomy shared across services.
// Services return typed errors; only the engine translates them into
// terminal error chunks for the caller.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	// KindUnknown is the zero value for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation marks input that violates a data-model invariant.
	KindValidation
	// KindNotFound marks a missing conversation, agent, or approval.
	KindNotFound
	// KindConflict marks duplicate creation or an illegal state transition.
	KindConflict
	// KindUpstream marks a language-model stream failure.
	KindUpstream
	// KindStore marks a persistence layer failure.
	KindStore
	// KindCancelled marks a request abandoned by the consumer.
	KindCancelled
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindStore:
		return "store"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a typed error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a validation error.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates a conflict error.
func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

// Upstream wraps a language-model failure.
func Upstream(err error, format string, args ...interface{}) *Error {
	return Wrap(KindUpstream, err, format, args...)
}

// Store wraps a persistence failure.
func Store(err error, format string, args ...interface{}) *Error {
	return Wrap(KindStore, err, format, args...)
}

// Cancelled creates a cancellation error.
func Cancelled(format string, args ...interface{}) *Error {
	return New(KindCancelled, format, args...)
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error chain contains a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
