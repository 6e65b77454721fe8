// Package apierr defines the error-kind taxonomy shared by the API
// store, node agent, and dataplane, and the gRPC translation of it.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the six error kinds. Kinds are not Go types:
// every error returned by this module wraps exactly one Kind so
// callers can classify failures with errors.As without depending on
// concrete error structs.
type Kind string

const (
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	InvalidArgument    Kind = "invalid_argument"
	FailedPrecondition Kind = "failed_precondition"
	Unavailable        Kind = "unavailable"
	Internal           Kind = "internal"
)

// Error wraps an underlying cause with a Kind and a caller-facing message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Internal if err does
// not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func NotFoundf(format string, args ...any) error {
	return New(NotFound, format, args...)
}

func Conflictf(format string, args ...any) error {
	return New(Conflict, format, args...)
}

func InvalidArgumentf(format string, args ...any) error {
	return New(InvalidArgument, format, args...)
}

func FailedPreconditionf(format string, args ...any) error {
	return New(FailedPrecondition, format, args...)
}

func Unavailablef(format string, args ...any) error {
	return New(Unavailable, format, args...)
}

func Internalf(format string, args ...any) error {
	return New(Internal, format, args...)
}
