// Package apperr defines the error taxonomy shared by every SSO component.
// Components return *Error values; only the HTTP layer turns a Kind into a
// status code. Reason is the internal audit code and may differ between two
// errors that carry the same caller-facing Code and Message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindLocked
	KindRateLimited
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindLocked:
		return "locked"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Status maps a Kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindLocked:
		return http.StatusLocked
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Reason  string // internal audit code, never shown to callers
	Code    string // caller-facing code; empty means Reason is safe to show
	Message string // sanitized text safe to return to callers
	// RetryAfter is set for KindLocked and KindRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind and, when the
// target names one, the same Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// WithRetryAfter returns a copy of e carrying d.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// WithCode returns a copy of e that presents code to callers instead of its
// Reason.
func (e *Error) WithCode(code string) *Error {
	cp := *e
	cp.Code = code
	return &cp
}

// PublicCode is the code rendered in responses.
func (e *Error) PublicCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Reason
}

// Wrap returns a copy of e with err attached as the cause.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

func Validation(reason, message string) *Error {
	return New(KindValidation, reason, message)
}

func Authentication(reason, message string) *Error {
	return New(KindAuthentication, reason, message)
}

func Authorization(reason, message string) *Error {
	return New(KindAuthorization, reason, message)
}

func Locked(reason, message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindLocked, Reason: reason, Message: message, RetryAfter: retryAfter}
}

func RateLimited(reason string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Reason: reason, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func NotFound(reason, message string) *Error {
	return New(KindNotFound, reason, message)
}

func Conflict(reason, message string) *Error {
	return New(KindConflict, reason, message)
}

// Internal wraps an unexpected collaborator failure. The caller-facing
// message never includes err.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Reason: "internal", Message: "internal server error", Err: err}
}

// As extracts the *Error from err. Errors that are not classified are
// reported as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the Kind of err, KindInternal when err is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	return As(err).Kind
}

// ReasonOf returns the internal reason of err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	return As(err).Reason
}
