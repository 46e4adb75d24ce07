// Package apperr implements the error kind taxonomy every layer of this
// service reports through: not type names, but a small closed set of
// categories an outer HTTP filter and the job workers both understand.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy categories from the error handling design.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindAuthn      Kind = "AUTHN"
	KindAuthz      Kind = "AUTHZ"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindProvider   Kind = "PROVIDER"
	KindTransient  Kind = "TRANSIENT"
	KindFatal      Kind = "FATAL"
)

// Error carries a Kind plus a human message and, for ProviderError, the
// upstream code.
type Error struct {
	Kind         Kind
	Message      string
	ProviderCode string
	cause        error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func Validation(message string) *Error { return New(KindValidation, message) }
func NotFound(message string) *Error   { return New(KindNotFound, message) }
func Conflict(message string) *Error   { return New(KindConflict, message) }
func Authz(message string) *Error      { return New(KindAuthz, message) }
func Authn(message string) *Error      { return New(KindAuthn, message) }

func Provider(code, message string) *Error {
	return &Error{Kind: KindProvider, Message: message, ProviderCode: code}
}

func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, message, cause)
}

func Fatal(message string, cause error) *Error {
	return Wrap(KindFatal, message, cause)
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise it reports KindFatal, treating unclassified errors as
// programming errors per the propagation policy.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindFatal
}

// IsRetryable reports whether a worker should retry the job that produced
// err: TransientError and ProviderError retry per backoff; everything else
// is terminal.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindProvider:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code the outer request filter
// writes.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthn:
		return http.StatusUnauthorized
	case KindAuthz:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindProvider:
		return http.StatusBadGateway
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
