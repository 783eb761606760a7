package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and retry semantics.
type Kind string

const (
	// KindValidation indicates malformed or invalid caller input.
	KindValidation Kind = "validation"

	// KindAuthentication indicates missing or invalid credentials.
	// The caller must re-authenticate; retrying the same request will not help.
	KindAuthentication Kind = "authentication"

	// KindAuthorization indicates the caller is authenticated but not allowed.
	KindAuthorization Kind = "authorization"

	// KindRateLimit indicates the caller should back off and retry later.
	KindRateLimit Kind = "rate_limit"

	// KindUpstream indicates a transient failure of an upstream dependency
	// (Xero API, authorization server, state store).
	KindUpstream Kind = "upstream"

	// KindCrypto indicates an encryption or decryption failure. This points
	// at key misconfiguration or data corruption and is never retryable.
	KindCrypto Kind = "crypto"

	// KindInternal is the fallback for unexpected failures.
	KindInternal Kind = "internal"
)

// Error is a classified application error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or KindInternal if err carries no
// classification.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller may safely retry the failed request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindUpstream:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
