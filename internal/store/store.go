package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or has expired.
// Callers must not be able to distinguish the two cases.
var ErrNotFound = errors.New("record not found")

// AuthState is a pending OAuth authorization request.
// It is single-use: consuming it deletes it atomically.
type AuthState struct {
	// State is the opaque CSRF token sent to the authorization server.
	State string `json:"state"`

	// AccountID is the local account that initiated the flow.
	AccountID string `json:"account_id"`

	// CreatedAt is when the flow was initiated.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt bounds how long the flow may stay pending.
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRecord is an encrypted OAuth token row for one (account, tenant) pair.
// Access and refresh tokens are stored as independent ciphertexts.
type TokenRecord struct {
	ID                 string     `json:"id"`
	AccountID          string     `json:"account_id"`
	TenantID           string     `json:"tenant_id,omitempty"`
	AccessTokenCipher  string     `json:"access_token_cipher"`
	RefreshTokenCipher string     `json:"refresh_token_cipher"`
	TokenType          string     `json:"token_type"`
	Scope              string     `json:"scope"`
	ExpiresAt          time.Time  `json:"expires_at"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Session binds a connected MCP client to an account and at most one tenant.
type Session struct {
	SessionID string    `json:"session_id"`
	AccountID string    `json:"account_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SweepStats reports what a maintenance sweep removed.
type SweepStats struct {
	States   int `json:"states"`
	Sessions int `json:"sessions"`
}

// Store is the durable state store backing the security control plane.
// It is the single source of truth; any in-process cache in front of it is
// advisory only. Implementations must be safe for concurrent use, including
// across multiple process instances for shared backends.
type Store interface {
	// SaveAuthState persists a pending authorization flow.
	SaveAuthState(ctx context.Context, state *AuthState) error

	// ConsumeAuthState atomically fetches and deletes the state record.
	// Returns ErrNotFound when the record is absent or expired, so only one
	// of two racing callbacks for the same state can succeed.
	ConsumeAuthState(ctx context.Context, state string) (*AuthState, error)

	// SaveVerifier persists the PKCE verifier correlated with a state.
	SaveVerifier(ctx context.Context, state, verifier string, ttl time.Duration) error

	// ConsumeVerifier atomically fetches and deletes the verifier for a state.
	ConsumeVerifier(ctx context.Context, state string) (string, error)

	// UpsertToken writes the token row for its (account, tenant) key,
	// replacing any previous row in place.
	UpsertToken(ctx context.Context, rec *TokenRecord) error

	// GetToken returns the token row for (account, tenant), expired or not.
	// Expiry policy is the caller's concern; soft-invalidated rows stay
	// readable as an audit trail.
	GetToken(ctx context.Context, accountID, tenantID string) (*TokenRecord, error)

	// ListTokens returns all token rows, for the proactive refresh pass.
	ListTokens(ctx context.Context) ([]*TokenRecord, error)

	// SaveSession persists a session record.
	SaveSession(ctx context.Context, sess *Session) error

	// GetSession returns the session, or ErrNotFound when absent or expired.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSession replaces an existing session record (tenant binding).
	UpdateSession(ctx context.Context, sess *Session) error

	// DeleteSession removes a session. Deleting a missing session is not an
	// error.
	DeleteSession(ctx context.Context, sessionID string) error

	// PutLedgerEntry records a webhook event key with the given retention.
	// Returns true if the key was newly recorded, false if it already exists
	// within the retention window. The check and the write are atomic.
	PutLedgerEntry(ctx context.Context, eventKey string, retention time.Duration) (bool, error)

	// DeleteLedgerEntry removes a ledger entry, releasing the claim so a
	// retried delivery can reattempt a failed event.
	DeleteLedgerEntry(ctx context.Context, eventKey string) error

	// SweepExpired removes expired auth states, verifiers and sessions.
	// Safe to run concurrently with live traffic.
	SweepExpired(ctx context.Context) (SweepStats, error)

	// Close releases backend resources.
	Close() error
}
