// Package apierror defines the error kinds surfaced by the gateway and
// their transport mapping. Handlers return *Error values; the HTTP layer
// renders them into the JSON envelope
//
//	{"error": {"code": <status>, "message": <kind>: <detail>}, "request_id": "..."}
//
// Internal failures never leak stack or log detail to the client; only the
// request_id crosses the boundary for support correlation.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable machine-readable error identifier.
type Kind string

const (
	AuthMissing         Kind = "auth_missing"
	AuthInvalid         Kind = "auth_invalid"
	AuthExpired         Kind = "auth_expired"
	AuthScope           Kind = "auth_scope"
	RateLimited         Kind = "rate_limited"
	ConcurrencyExceeded Kind = "concurrency_exceeded"
	ModelNotFound       Kind = "model_not_found"
	NotFound            Kind = "not_found"
	ModelNotReady       Kind = "model_not_ready"
	ModelArchived       Kind = "model_archived"
	ValidationError     Kind = "validation_error"
	StateConflict       Kind = "state_conflict"
	UpstreamUnavailable Kind = "upstream_unavailable"
	UpstreamError       Kind = "upstream_error"
	UpstreamTimeout     Kind = "upstream_timeout"
	RequestCancelled    Kind = "request_cancelled"
	Internal            Kind = "internal_error"
)

// statusCodes maps each kind to its transport status.
var statusCodes = map[Kind]int{
	AuthMissing:         http.StatusUnauthorized,
	AuthInvalid:         http.StatusUnauthorized,
	AuthExpired:         http.StatusUnauthorized,
	AuthScope:           http.StatusForbidden,
	RateLimited:         http.StatusTooManyRequests,
	ConcurrencyExceeded: http.StatusTooManyRequests,
	ModelNotFound:       http.StatusNotFound,
	NotFound:            http.StatusNotFound,
	ModelNotReady:       http.StatusConflict,
	ModelArchived:       http.StatusConflict,
	ValidationError:     http.StatusBadRequest,
	StateConflict:       http.StatusConflict,
	UpstreamUnavailable: http.StatusServiceUnavailable,
	UpstreamError:       http.StatusBadGateway,
	UpstreamTimeout:     http.StatusGatewayTimeout,
	RequestCancelled:    499, // nginx convention: client closed request
	Internal:            http.StatusInternalServerError,
}

// Error is a typed gateway error with optional field-level detail.
type Error struct {
	Kind   Kind
	Detail string
	Fields map[string]string // field name → problem, for validation errors
	cause  error
}

// New creates an error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an error of the given kind with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Validation creates a validation_error carrying field-level detail.
func Validation(fields map[string]string) *Error {
	return &Error{Kind: ValidationError, Detail: "invalid configuration", Fields: fields}
}

// Wrap attaches a cause without exposing it in the client-facing message.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error kind.
func (e *Error) Status() int {
	if code, ok := statusCodes[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// From converts any error into an *Error, mapping unknown errors to
// internal_error.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: Internal, Detail: "internal error", cause: err}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
