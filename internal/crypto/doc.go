// Package crypto provides AES-256-GCM encryption for tokens at rest. The
// key is mandatory; there is no plaintext fallback.
package crypto
