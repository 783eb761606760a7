package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestVerify(t *testing.T) {
	v, err := NewVerifier("signing-secret")
	require.NoError(t, err)

	body := []byte(`{"events":[]}`)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{
			name:      "valid signature",
			body:      body,
			signature: sign("signing-secret", body),
			want:      true,
		},
		{
			name:      "missing signature",
			body:      body,
			signature: "",
			want:      false,
		},
		{
			name:      "wrong secret",
			body:      body,
			signature: sign("other-secret", body),
			want:      false,
		},
		{
			name:      "tampered body",
			body:      []byte(`{"events":[{}]}`),
			signature: sign("signing-secret", body),
			want:      false,
		},
		{
			name:      "garbage signature",
			body:      body,
			signature: "not-base64-at-all",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Verify(tt.body, tt.signature))
		})
	}
}
