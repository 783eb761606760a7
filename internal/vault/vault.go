package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hiltonbrown/xero-mcp-server/internal/apperr"
	"github.com/hiltonbrown/xero-mcp-server/internal/crypto"
	"github.com/hiltonbrown/xero-mcp-server/internal/logging"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
)

const (
	// refreshWindow is how close to expiry a token may get before
	// GetValidAccessToken refreshes it instead of returning it.
	refreshWindow = 5 * time.Minute

	// refreshTimeout bounds the refresh-grant call; a hung authorization
	// server fails closed as a refresh failure.
	refreshTimeout = 10 * time.Second
)

// Errors surfaced by the vault. Both carry authentication semantics: the
// caller must re-authenticate rather than retry.
var (
	// ErrNoToken indicates no token row exists for the (account, tenant).
	ErrNoToken = errors.New("no token stored")

	// ErrRefreshFailed indicates the refresh grant was rejected and the row
	// was soft-invalidated.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Vault stores OAuth tokens encrypted at rest and hands out valid access
// tokens, refreshing transparently when a token nears expiry.
//
// Refreshes for the same (account, tenant) are collapsed through a
// singleflight group so two concurrent callers that both observe near-expiry
// trigger exactly one network refresh; the loser reads the winner's result.
type Vault struct {
	store  store.Store
	box    *crypto.Box
	config *oauth2.Config
	client *http.Client
	group  singleflight.Group
	logger *slog.Logger

	// now is the single clock for both expiry checks and writes, so a
	// skewed comparison can never trigger a double refresh.
	now func() time.Time
}

// NewVault creates a Vault.
func NewVault(st store.Store, box *crypto.Box, config *oauth2.Config, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:  st,
		box:    box,
		config: config,
		client: &http.Client{Timeout: refreshTimeout},
		logger: logger,
		now:    time.Now,
	}
}

// Store encrypts and persists a token set for (account, tenant). Access and
// refresh tokens are encrypted independently, each under a fresh nonce.
func (v *Vault) Store(ctx context.Context, accountID, tenantID string, token *oauth2.Token) error {
	accessCipher, err := v.box.Seal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshCipher, err := v.box.Seal(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	scope, _ := token.Extra("scope").(string)
	now := v.now()

	rec := &store.TokenRecord{
		ID:                 uuid.NewString(),
		AccountID:          accountID,
		TenantID:           tenantID,
		AccessTokenCipher:  accessCipher,
		RefreshTokenCipher: refreshCipher,
		TokenType:          token.TokenType,
		Scope:              scope,
		ExpiresAt:          token.Expiry,
		CreatedAt:          now,
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(30 * time.Minute)
	}

	if err := v.store.UpsertToken(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}

	v.logger.Info("token stored",
		logging.Account(accountID),
		logging.Tenant(tenantID),
		"expires_at", rec.ExpiresAt,
	)
	return nil
}

// GetValidAccessToken returns a usable access token for (account, tenant).
//
// Fast path: the stored token is more than five minutes from expiry and is
// decrypted and returned with no network call. Otherwise the refresh grant
// runs under the per-key singleflight; on success the same row is updated in
// place, on failure the row is soft-invalidated and an authentication-class
// error propagates to the caller.
func (v *Vault) GetValidAccessToken(ctx context.Context, accountID, tenantID string) (string, error) {
	rec, err := v.store.GetToken(ctx, accountID, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.Wrap(apperr.KindAuthentication, "no credentials for account", ErrNoToken)
		}
		return "", fmt.Errorf("failed to load token: %w", err)
	}

	if rec.ExpiresAt.After(v.now().Add(refreshWindow)) {
		return v.box.Open(rec.AccessTokenCipher)
	}

	key := accountID + "/" + tenantID
	result, err, _ := v.group.Do(key, func() (any, error) {
		return v.refresh(ctx, accountID, tenantID, refreshWindow)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// refresh performs the refresh-and-update sequence for one (account, tenant)
// row. Runs inside the singleflight; at most one execution per key at a time.
// The window is the caller's staleness bound: the request path uses the
// standard refresh window, the proactive hook its lookahead.
func (v *Vault) refresh(ctx context.Context, accountID, tenantID string, window time.Duration) (string, error) {
	// Re-read inside the flight: another process instance may have
	// refreshed the row since the caller's check.
	rec, err := v.store.GetToken(ctx, accountID, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.Wrap(apperr.KindAuthentication, "no credentials for account", ErrNoToken)
		}
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	if rec.ExpiresAt.After(v.now().Add(window)) {
		return v.box.Open(rec.AccessTokenCipher)
	}

	refreshToken, err := v.box.Open(rec.RefreshTokenCipher)
	if err != nil {
		v.logger.Error("failed to decrypt refresh token",
			logging.Account(accountID),
			logging.Tenant(tenantID),
			logging.Err(err),
		)
		return "", err
	}
	if refreshToken == "" {
		return "", v.softInvalidate(ctx, rec, errors.New("no refresh token available"))
	}

	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, v.client)

	source := v.config.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := source.Token()
	if err != nil {
		return "", v.softInvalidate(ctx, rec, err)
	}

	accessCipher, err := v.box.Seal(newToken.AccessToken)
	if err != nil {
		return "", err
	}
	// Xero rotates refresh tokens on every grant; keep the old one only if
	// the response omitted a new one.
	if newToken.RefreshToken != "" {
		refreshToken = newToken.RefreshToken
	}
	refreshCipher, err := v.box.Seal(refreshToken)
	if err != nil {
		return "", err
	}

	rec.AccessTokenCipher = accessCipher
	rec.RefreshTokenCipher = refreshCipher
	rec.ExpiresAt = newToken.Expiry
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = v.now().Add(30 * time.Minute)
	}
	if newToken.TokenType != "" {
		rec.TokenType = newToken.TokenType
	}

	if err := v.store.UpsertToken(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	v.logger.Info("token refreshed",
		logging.Account(accountID),
		logging.Tenant(tenantID),
		"expires_at", rec.ExpiresAt,
	)
	return newToken.AccessToken, nil
}

// softInvalidate forces the row's expiry into the past instead of deleting
// it, preserving the audit trail, and returns the refresh failure as an
// authentication error. Callers must not retry silently.
func (v *Vault) softInvalidate(ctx context.Context, rec *store.TokenRecord, cause error) error {
	rec.ExpiresAt = time.Unix(0, 0)
	if err := v.store.UpsertToken(ctx, rec); err != nil {
		v.logger.Error("failed to soft-invalidate token row",
			logging.Account(rec.AccountID),
			logging.Tenant(rec.TenantID),
			logging.Err(err),
		)
	}
	v.logger.Warn("token refresh failed, row soft-invalidated",
		logging.Account(rec.AccountID),
		logging.Tenant(rec.TenantID),
		logging.Err(cause),
	)
	return apperr.Wrap(apperr.KindAuthentication, "token refresh failed",
		fmt.Errorf("%w: %v", ErrRefreshFailed, cause))
}

// RefreshExpiring proactively refreshes rows that will expire within the
// given window. Used by the maintenance hook; idempotent and safe to run
// concurrently with live traffic, since each refresh runs under the same
// per-key singleflight as the request path.
func (v *Vault) RefreshExpiring(ctx context.Context, window time.Duration) (refreshed, failed int) {
	recs, err := v.store.ListTokens(ctx)
	if err != nil {
		v.logger.Error("failed to list tokens for proactive refresh", "error", err)
		return 0, 0
	}

	now := v.now()
	for _, rec := range recs {
		// Skip already soft-invalidated rows and rows with plenty of life.
		if !rec.ExpiresAt.After(time.Unix(0, 0).Add(time.Second)) {
			continue
		}
		if rec.ExpiresAt.After(now.Add(window)) {
			continue
		}

		key := rec.AccountID + "/" + rec.TenantID
		_, err, _ := v.group.Do(key, func() (any, error) {
			return v.refresh(ctx, rec.AccountID, rec.TenantID, window)
		})
		if err != nil {
			failed++
			continue
		}
		refreshed++
	}
	return refreshed, failed
}
