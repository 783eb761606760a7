package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeVerifier(t *testing.T) {
	a, err := GenerateCodeVerifier()
	require.NoError(t, err)
	b, err := GenerateCodeVerifier()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	// Must be valid unpadded base64url per RFC 7636.
	decoded, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
}

func TestGenerateCodeChallengeIsS256(t *testing.T) {
	verifier := "test-verifier-value"
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.Equal(t, expected, GenerateCodeChallenge(verifier))
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	require.NoError(t, err)
	b, err := GenerateState()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	decoded, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
}
