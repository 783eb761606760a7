package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeSessionID(t *testing.T) {
	id := "a-very-secret-session-id"

	hashed := AnonymizeSessionID(id)
	assert.True(t, strings.HasPrefix(hashed, "sess:"))
	assert.Len(t, hashed, len("sess:")+16)
	assert.NotContains(t, hashed, id)

	// Stable so entries for one session correlate.
	assert.Equal(t, hashed, AnonymizeSessionID(id))
	assert.NotEqual(t, hashed, AnonymizeSessionID("another-session-id"))

	assert.Empty(t, AnonymizeSessionID(""))
}

func TestSanitizeToken(t *testing.T) {
	assert.Equal(t, "<empty>", SanitizeToken(""))

	masked := SanitizeToken("super-secret-access-token")
	assert.NotContains(t, masked, "super")
	assert.Equal(t, "[token:25 chars]", masked)
}

func TestErrIsNilSafe(t *testing.T) {
	attr := Err(nil)
	assert.Empty(t, attr.Key)
}
