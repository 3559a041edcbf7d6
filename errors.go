package asaman

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the closed set surfaced to callers.
type Kind string

const (
	KindValidationFailed      Kind = "ValidationFailed"
	KindNotFound              Kind = "NotFound"
	KindConflict              Kind = "Conflict"
	KindPreconditionFailed    Kind = "PreconditionFailed"
	KindIOFailed              Kind = "IOFailed"
	KindProcessFailed         Kind = "ProcessFailed"
	KindSteamCmdFailed        Kind = "SteamCmdFailed"
	KindRconConnectionRefused Kind = "RconConnectionRefused"
	KindRconAuthFailed        Kind = "RconAuthFailed"
	KindRconTimeout           Kind = "RconTimeout"
	KindRconProtocolError     Kind = "RconProtocolError"
	KindUnauthorized          Kind = "Unauthorized"
	KindForbidden             Kind = "Forbidden"
	KindInternal              Kind = "Internal"
)

// Error is the classified error carried across component boundaries.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// E builds a classified error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryableByDefault(kind)}
}

// WrapErr attaches a cause to a classified error.
func WrapErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableByDefault(kind),
		Cause:     cause,
	}
}

// retryableByDefault marks kinds whose failures are transient by nature.
// The core never retries automatically; the flag is advice to the dashboard.
func retryableByDefault(kind Kind) bool {
	switch kind {
	case KindRconConnectionRefused, KindRconTimeout, KindIOFailed, KindSteamCmdFailed:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind of a classified error, or KindInternal.
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

// AsError converts any error into a classified one, defaulting to Internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Cause: err}
}

// ToJobError converts an error to the shape persisted on failed jobs.
func ToJobError(err error) *JobError {
	e := AsError(err)
	return &JobError{Kind: string(e.Kind), Message: e.Message, Retryable: e.Retryable}
}

// HTTPStatus maps an error kind to the boundary's HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindRconConnectionRefused, KindRconTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
