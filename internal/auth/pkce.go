package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateCodeVerifier generates a random code verifier for PKCE.
// The code verifier is a cryptographically random string using the characters
// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~" with a minimum length of 43
// characters, per RFC 7636.
func GenerateCodeVerifier() (string, error) {
	// 32 bytes (256 bits) encodes to 43 characters in base64url.
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeChallenge derives the S256 code challenge from a verifier:
// code_challenge = BASE64URL(SHA256(ASCII(code_verifier))).
func GenerateCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// GenerateState generates a random state parameter for CSRF protection.
// 32 bytes of entropy, well above the 128-bit minimum.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
