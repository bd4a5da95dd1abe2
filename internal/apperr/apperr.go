// Package apperr defines the sealed set of error kinds used across the
// server. Request handlers map kinds to HTTP status codes; background
// pipeline stages log them and continue.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthFailure
	KindSignatureInvalid
	KindStaleRequest
	KindKeyUnavailable
	KindRemoteUnreachable
	KindMalformedActor
	KindNotFound
	KindForbidden
	KindConflict
	KindParseError
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthFailure:
		return "auth_failure"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindStaleRequest:
		return "stale_request"
	case KindKeyUnavailable:
		return "key_unavailable"
	case KindRemoteUnreachable:
		return "remote_unreachable"
	case KindMalformedActor:
		return "malformed_actor"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindParseError:
		return "parse_error"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error from a format string.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and a formatted context message to an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error is worth retrying: transient network
// and 5xx-class failures only.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}
