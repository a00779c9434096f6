package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKindAndReason(t *testing.T) {
	notFound := Authentication("unknown_user", "invalid credentials")
	badPassword := Authentication("bad_password", "invalid credentials")

	wrapped := fmt.Errorf("login: %w", badPassword)

	assert.True(t, errors.Is(wrapped, badPassword))
	assert.False(t, errors.Is(wrapped, notFound))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindAuthentication}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindValidation}))
	assert.Equal(t, notFound.Message, badPassword.Message)
}

func TestAsClassifiesPlainErrorsAsInternal(t *testing.T) {
	cause := errors.New("connection refused")
	e := As(cause)

	assert.Equal(t, KindInternal, e.Kind)
	assert.Equal(t, "internal server error", e.Message)
	assert.ErrorIs(t, e, cause)
	assert.Nil(t, As(nil))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestKindStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:     http.StatusBadRequest,
		KindAuthentication: http.StatusUnauthorized,
		KindAuthorization:  http.StatusForbidden,
		KindLocked:         http.StatusLocked,
		KindRateLimited:    http.StatusTooManyRequests,
		KindNotFound:       http.StatusNotFound,
		KindConflict:       http.StatusConflict,
		KindInternal:       http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.Status(), kind.String())
	}
}

func TestWithRetryAfterCopies(t *testing.T) {
	base := RateLimited("ip_window", 0)
	withRetry := base.WithRetryAfter(time.Minute)

	assert.Zero(t, base.RetryAfter)
	assert.Equal(t, time.Minute, withRetry.RetryAfter)
	assert.Equal(t, KindRateLimited, KindOf(withRetry))
}

func TestPublicCodeHidesReason(t *testing.T) {
	plain := Validation("missing_code", "code is required")
	assert.Equal(t, "missing_code", plain.PublicCode())

	hidden := Authentication("bad_password", "invalid credentials").WithCode("invalid_credentials")
	assert.Equal(t, "invalid_credentials", hidden.PublicCode())
	assert.Equal(t, "bad_password", hidden.Reason)
	assert.True(t, errors.Is(fmt.Errorf("login: %w", hidden), Authentication("bad_password", "")))
}
