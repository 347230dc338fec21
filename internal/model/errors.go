package model

import (
	"fmt"
	"time"
)

// Kind classifies an admission or session-lifecycle failure. Every rejection
// the gateway produces carries exactly one Kind so callers can implement
// backoff without parsing message strings.
type Kind string

const (
	KindPoolExhausted   Kind = "pool_exhausted"
	KindQueueFull       Kind = "queue_full"
	KindQueueTimeout    Kind = "queue_timeout"
	KindCircuitOpen     Kind = "circuit_open"
	KindUserRateLimited Kind = "user_rate_limited"
	KindRateLimited     Kind = "rate_limited"
	KindInvalidSession  Kind = "invalid_session"
	KindAuthInvalid     Kind = "auth_invalid"
	KindBadRequest      Kind = "bad_request"
	KindBackendNotFound Kind = "backend_not_found"
	KindBackendCrashed  Kind = "backend_crashed"
)

// Error is the structured rejection type used across the pool manager, rate
// limiter, session registry, and gateway. RetryAfter is zero when the caller
// has no retry hint (terminal failures).
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches errors by Kind, so errors.Is(err, &model.Error{Kind: k}) works
// regardless of message or retry hint.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds an Error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewRetryableError builds an Error carrying a retry hint.
func NewRetryableError(kind Kind, retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf unwraps err down to an *Error and returns its Kind. The second
// return is false when err is not part of the gateway taxonomy.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}

// ErrorResponse is the standard envelope for HTTP error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code       int    `json:"code"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"` // seconds
}
