package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport-level mapping.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindInvalidPayload    Kind = "invalid_payload"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindUnauthorized      Kind = "unauthorized"
	KindConfigMissing     Kind = "config_missing"
	KindUpstreamFailure   Kind = "upstream_failure"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal_error"
)

// Error carries a kind, a human-readable message, and optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails returns a copy of e carrying structured details.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func InvalidPayload(format string, args ...any) *Error {
	return New(KindInvalidPayload, format, args...)
}

func SignatureMismatch(format string, args ...any) *Error {
	return New(KindSignatureMismatch, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}

func ConfigMissing(format string, args ...any) *Error {
	return New(KindConfigMissing, format, args...)
}

// Upstream wraps a provider/substrate failure; the cause is truncated when rendered.
func Upstream(cause error, provider string) *Error {
	return &Error{
		Kind:    KindUpstreamFailure,
		Message: fmt.Sprintf("upstream %s failed: %s", provider, truncateCause(cause)),
		cause:   cause,
	}
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidPayload:
		return http.StatusUnprocessableEntity
	case KindSignatureMismatch, KindUnauthorized:
		return http.StatusUnauthorized
	case KindConfigMissing:
		return http.StatusBadRequest
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

const maxCauseLen = 200

func truncateCause(cause error) string {
	if cause == nil {
		return "unknown"
	}
	msg := cause.Error()
	runes := []rune(msg)
	if len(runes) <= maxCauseLen {
		return msg
	}
	return string(runes[:maxCauseLen]) + "..."
}
