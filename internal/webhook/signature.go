package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrMissingSecret indicates the webhook signing secret was not configured.
// This is a startup condition: a server without a secret must refuse to
// start rather than fall back to accepting unsigned deliveries.
var ErrMissingSecret = errors.New("webhook signing secret is not configured")

// Verifier checks webhook payload signatures.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. An empty secret is a configuration error.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify reports whether signatureHeader matches the base64-encoded
// HMAC-SHA256 of rawBody under the configured secret. The comparison is
// constant-time.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}
