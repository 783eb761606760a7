// Package logging provides shared slog attribute helpers and the redaction
// rules for sensitive identifiers. Session ids and tokens are credentials;
// nothing in this package lets them reach a log verbatim.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyAccount = "account"
	KeyTenant  = "tenant"
	KeySession = "session_hash"
	KeyError   = "error"
)

// Account returns a slog attribute for the account id.
func Account(account string) slog.Attr {
	return slog.String(KeyAccount, account)
}

// Tenant returns a slog attribute for the tenant id.
func Tenant(tenant string) slog.Attr {
	return slog.String(KeyTenant, tenant)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from
// output, so Err(maybeNilErr) is always safe to pass.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeSessionID returns a hashed representation of a session id for
// logging. Session ids are bearer credentials and must never appear in logs
// verbatim; the hash still allows correlating entries for one session.
func AnonymizeSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(sessionID))
	return "sess:" + hex.EncodeToString(hash[:8])
}

// SessionHash returns a slog attribute with the anonymized session id.
func SessionHash(sessionID string) slog.Attr {
	return slog.String(KeySession, AnonymizeSessionID(sessionID))
}

// SanitizeToken returns a masked version of a token for logging.
// It returns a length indicator without exposing any token content, as even
// partial token prefixes can aid attacks.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}
