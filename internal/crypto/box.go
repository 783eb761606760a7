package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/hiltonbrown/xero-mcp-server/internal/apperr"
)

// Box provides symmetric encryption for secrets at rest.
// Uses AES-256-GCM for authenticated encryption.
//
// Security Properties:
//   - AES-256 provides strong confidentiality
//   - GCM mode provides both encryption and authentication (AEAD)
//   - Random nonce for each encryption (never reused under the same key)
//
// Key Management:
//   - Key must be 32 bytes (256 bits)
//   - Key should come from a secure source (KMS, vault, sealed secret)
//   - Never hardcode keys in source code
type Box struct {
	key []byte
}

// NewBox creates a Box with the given 32-byte key.
// Unlike an optional encryption layer, a missing or malformed key is a
// configuration error: tokens are never stored in plaintext.
func NewBox(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes (256 bits), got %d bytes", len(key))
	}
	b := &Box{key: make([]byte, 32)}
	copy(b.key, key)
	return b, nil
}

// Seal encrypts plaintext and returns base64-encoded: nonce || ciphertext || tag.
func (b *Box) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to create GCM", err)
	}

	// Nonce must be unique for each encryption with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to generate nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts data produced by Seal. A failure here means the ciphertext
// was corrupted or the key does not match; callers must treat it as fatal
// for the record, never as garbage output.
func (b *Box) Open(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to decode ciphertext", err)
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to create GCM", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", apperr.New(apperr.KindCrypto, "ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to decrypt", err)
	}

	return string(plaintext), nil
}

// GenerateKey generates a secure 32-byte encryption key.
// Call once during provisioning and store the key securely; the key must be
// persistent across restarts or stored tokens become unreadable.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded 32-byte key, as loaded from an
// environment variable or flag.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d bytes", len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a key for storage in configuration.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
