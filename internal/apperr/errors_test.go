package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(New(KindValidation, "bad input")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
	assert.Equal(t, KindInternal, KindOf(nil))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("outer: %w", New(KindRateLimit, "slow down"))
	assert.Equal(t, KindRateLimit, KindOf(wrapped))
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindUpstream, "upstream failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upstream failed")
	assert.Contains(t, err.Error(), "root cause")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindRateLimit, "")))
	assert.True(t, Retryable(New(KindUpstream, "")))

	assert.False(t, Retryable(New(KindValidation, "")))
	assert.False(t, Retryable(New(KindAuthentication, "")))
	assert.False(t, Retryable(New(KindAuthorization, "")))
	assert.False(t, Retryable(New(KindCrypto, "")))
	assert.False(t, Retryable(New(KindInternal, "")))
	assert.False(t, Retryable(errors.New("unclassified")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindUpstream, http.StatusServiceUnavailable},
		{KindCrypto, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(New(tt.kind, "")), string(tt.kind))
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("unclassified")))
}
