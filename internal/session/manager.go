package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiltonbrown/xero-mcp-server/internal/logging"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
)

// sessionTTL is the bounded lifetime of an MCP session.
const sessionTTL = 24 * time.Hour

// Errors surfaced by the manager.
var (
	// ErrNotFound covers both never-issued and expired sessions. Callers
	// must not be able to tell the two apart.
	ErrNotFound = errors.New("session not found")

	// ErrTenantMismatch indicates a request supplied a tenant different
	// from the one the session is bound to.
	ErrTenantMismatch = errors.New("session is bound to a different tenant")
)

// Manager creates, validates and revokes MCP sessions. A session binds a
// client connection to one account and at most one tenant; the binding is
// immutable for the session's lifetime.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// generateSessionID returns an unguessable session identifier with 256 bits
// of entropy.
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create issues a new session for an account, optionally pre-bound to a
// tenant, with a 24-hour lifetime.
func (m *Manager) Create(ctx context.Context, accountID, tenantID string) (*store.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := m.now()
	sess := &store.Session{
		SessionID: id,
		AccountID: accountID,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.logger.Info("session created",
		logging.Account(accountID),
		logging.Tenant(tenantID),
		"expires_at", sess.ExpiresAt,
	)
	return sess, nil
}

// Validate returns the session for an id, or ErrNotFound when the id was
// never issued or the session has expired. Expired rows are not deleted
// inline; cleanup belongs to the periodic sweep.
func (m *Manager) Validate(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// BindTenant resolves the effective tenant for a request. An unbound
// session adopts the requested tenant permanently; a bound session rejects
// any differing tenant with ErrTenantMismatch. An empty request leaves the
// binding untouched.
func (m *Manager) BindTenant(ctx context.Context, sess *store.Session, requestedTenantID string) (*store.Session, error) {
	if requestedTenantID == "" || requestedTenantID == sess.TenantID {
		return sess, nil
	}
	if sess.TenantID != "" {
		return nil, ErrTenantMismatch
	}

	sess.TenantID = requestedTenantID
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to bind tenant: %w", err)
	}

	m.logger.Info("session bound to tenant",
		logging.Account(sess.AccountID),
		logging.Tenant(requestedTenantID),
	)
	return sess, nil
}

// Revoke deletes a session. Revoking an already-gone session is not an
// error.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
