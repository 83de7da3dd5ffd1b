// Package errs defines the error kinds shared by every DittoShare component.
//
// Callers branch on Kind rather than matching strings. Validation and
// Authorisation errors are expected outcomes and are returned as values;
// Internal errors indicate a broken contract between components.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable category for programmatic error handling.
type Kind string

const (
	// KindValidation marks malformed input: bad tags, clearing a missing
	// document, a broken capability chain.
	KindValidation Kind = "Validation"

	// KindAuthorisation marks a missing or insufficient capability.
	KindAuthorisation Kind = "Authorisation"

	// KindInternal marks an internal-invariant violation. Always a bug.
	KindInternal Kind = "Internal"

	// KindProtocol marks sync negotiation failures such as a rejected
	// transfer or an unknown share.
	KindProtocol Kind = "Protocol"
)

// Error is the structured error type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Validation returns a KindValidation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorisation returns a KindAuthorisation error.
func Authorisation(format string, args ...any) error {
	return &Error{Kind: KindAuthorisation, Message: fmt.Sprintf(format, args...)}
}

// Internal returns a KindInternal error.
func Internal(format string, args ...any) error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// Protocol returns a KindProtocol error.
func Protocol(format string, args ...any) error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to cause. A nil cause yields a plain error
// of that kind.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the kind of err, or "" when err is not structured.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}
