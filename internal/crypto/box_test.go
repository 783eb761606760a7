package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiltonbrown/xero-mcp-server/internal/apperr"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)
	return box
}

func TestNewBoxRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
	}{
		{name: "nil key", key: nil},
		{name: "empty key", key: []byte{}},
		{name: "short key", key: make([]byte, 16)},
		{name: "long key", key: make([]byte, 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBox(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	box := newTestBox(t)

	plaintexts := []string{
		"",
		"access-token-value",
		"a refresh token with spaces and unicode: über",
	}
	for _, pt := range plaintexts {
		sealed, err := box.Seal(pt)
		require.NoError(t, err)

		opened, err := box.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, pt, opened)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	box := newTestBox(t)

	a, err := box.Seal("same plaintext")
	require.NoError(t, err)
	b, err := box.Seal("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two encryptions of the same plaintext must not produce the same ciphertext")
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal("secret")
	require.NoError(t, err)

	// Flip a character in the encoded blob.
	tampered := []byte(sealed)
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}

	_, err = box.Open(string(tampered))
	require.Error(t, err)
	assert.Equal(t, apperr.KindCrypto, apperr.KindOf(err))
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealed, err := newTestBox(t).Seal("secret")
	require.NoError(t, err)

	_, err = newTestBox(t).Open(sealed)
	require.Error(t, err)
	assert.Equal(t, apperr.KindCrypto, apperr.KindOf(err))
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	decoded, err := KeyFromBase64(KeyToBase64(key))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = KeyFromBase64("not base64!!!")
	assert.Error(t, err)
}
