package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind int

const (
	// Validation covers malformed or semantically invalid input. Never retried.
	Validation Kind = iota
	// NotFound covers missing entities; idempotent cancel/delete paths.
	NotFound
	// Conflict covers duplicate enqueues and unique-constraint violations.
	Conflict
	// CapacityExceeded means no slot was available for the dial.
	CapacityExceeded
	// UpstreamUnavailable means the telephony vendor or breaker refused us.
	UpstreamUnavailable
	// Transient is retried with backoff by the job runner.
	Transient
	// Fatal is logged and surfaced as 500; the process stays up.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case CapacityExceeded:
		return "capacity_exceeded"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// HTTPStatus maps the kind to the HTTP status code of the API surface.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case CapacityExceeded:
		return http.StatusTooManyRequests
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a tagged error carried through the dispatch and API paths.
type Error struct {
	Kind Kind
	Code string // machine-readable code, e.g. CONCURRENT_LIMIT_REACHED
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, defaulting to Fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// CodeOf extracts the machine code from err, empty if untagged.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the job runner should retry after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, CapacityExceeded, UpstreamUnavailable:
		return true
	default:
		return false
	}
}
