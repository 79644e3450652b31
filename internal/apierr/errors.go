// Package apierr centralizes the error taxonomy of the controller: kinds,
// not Go types, each with a fixed HTTP status mapping. Every error that
// crosses a component boundary (store, authority, queue, state machine,
// streaming channel) should be wrapped in an *Error carrying the right Kind
// so the gateway can map it without inspecting message text.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindState          Kind = "state"
	KindConcurrency    Kind = "concurrency"
	KindResource       Kind = "resource"
	KindIntegrity      Kind = "integrity"
	KindInternal       Kind = "internal"
)

// Error is the single error type used across component boundaries.
type Error struct {
	Kind    Kind
	Code    string // machine-oriented code, e.g. "TokenExpired", "PayloadTooLarge"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an *Error of the given kind and code, chaining err.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf extracts the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the HTTP status spec.md §6 prescribes.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindAuthentication:
		if e.Code == "Forbidden" || e.Code == "TokenConsumed" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindState:
		if e.Code == "NotFound" {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case KindConcurrency, KindResource:
		if e.Code == "PayloadTooLarge" {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusServiceUnavailable
	case KindIntegrity, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Common constructors for the recurring codes named throughout spec.md.
func Unauthenticated(msg string) *Error { return New(KindAuthentication, "Unauthenticated", msg) }
func Forbidden(msg string) *Error       { return New(KindAuthentication, "Forbidden", msg) }
func TokenExpired(msg string) *Error    { return New(KindAuthentication, "TokenExpired", msg) }
func TokenConsumed(msg string) *Error   { return New(KindAuthentication, "TokenConsumed", msg) }
func Validation(msg string) *Error      { return New(KindValidation, "Validation", msg) }
func NotFound(msg string) *Error        { return New(KindState, "NotFound", msg) }
func IllegalTransition(msg string) *Error {
	return New(KindState, "IllegalTransition", msg)
}
func WorkerBusy(msg string) *Error { return New(KindConcurrency, "WorkerBusy", msg) }
func StoreUnavailable(err error) *Error {
	return Wrap(err, KindResource, "StoreUnavailable", "store unavailable")
}
func StorageUnavailable(err error) *Error {
	return Wrap(err, KindResource, "StorageUnavailable", "artifact storage unavailable")
}
func ServiceUnavailable(msg string) *Error {
	return New(KindResource, "ServiceUnavailable", msg)
}
func PayloadTooLarge(msg string) *Error {
	return New(KindResource, "PayloadTooLarge", msg)
}
func PathViolation(msg string) *Error {
	return New(KindIntegrity, "PathViolation", msg)
}
func Internal(err error) *Error {
	return Wrap(err, KindInternal, "InternalError", "internal error")
}
