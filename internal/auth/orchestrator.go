package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hiltonbrown/xero-mcp-server/internal/store"
)

const (
	// stateTTL bounds how long an initiated flow may stay pending.
	stateTTL = 10 * time.Minute

	// exchangeTimeout bounds the authorization-code exchange. A hung
	// authorization server must fail the flow, not hang the handler.
	exchangeTimeout = 10 * time.Second
)

// Errors surfaced by the orchestrator.
var (
	// ErrUnknownAccount indicates the accountID was never provisioned.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrInvalidState indicates the state parameter matched no pending,
	// non-expired flow. A replayed callback for an already-consumed state
	// lands here too.
	ErrInvalidState = errors.New("invalid or expired state")

	// ErrMissingVerifier indicates the state matched but its PKCE verifier
	// was already consumed or expired independently.
	ErrMissingVerifier = errors.New("missing PKCE verifier")

	// ErrTokenExchangeFailed indicates the authorization server rejected
	// the code exchange.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
)

// Orchestrator drives the OAuth2 Authorization-Code-with-PKCE flow against
// the Xero identity service. It owns the state and verifier lifecycle;
// persisting the resulting tokens is the caller's job (via the vault).
type Orchestrator struct {
	registry AccountRegistry
	store    store.Store
	config   *oauth2.Config
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(registry AccountRegistry, st store.Store, config *oauth2.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		store:    st,
		config:   config,
		client:   &http.Client{Timeout: exchangeTimeout},
		logger:   logger,
		now:      time.Now,
	}
}

// BeginAuth initiates a login flow for a provisioned account and returns the
// authorization URL to redirect the user to. It persists the state record
// and the correlated PKCE verifier, both with the same 10-minute TTL.
func (o *Orchestrator) BeginAuth(ctx context.Context, accountID string) (string, error) {
	if !o.registry.Exists(accountID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	state, err := GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("failed to generate verifier: %w", err)
	}

	now := o.now()
	if err := o.store.SaveAuthState(ctx, &store.AuthState{
		State:     state,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(stateTTL),
	}); err != nil {
		return "", fmt.Errorf("failed to persist auth state: %w", err)
	}
	if err := o.store.SaveVerifier(ctx, state, verifier, stateTTL); err != nil {
		return "", fmt.Errorf("failed to persist verifier: %w", err)
	}

	url := o.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", GenerateCodeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	o.logger.Info("authorization flow initiated", "account", accountID)
	return url, nil
}

// CompleteAuth validates the callback and exchanges the code for tokens.
// The state record is consumed atomically, so of two racing callbacks for
// the same state exactly one proceeds; the loser gets ErrInvalidState.
func (o *Orchestrator) CompleteAuth(ctx context.Context, code, state string) (string, *oauth2.Token, error) {
	rec, err := o.store.ConsumeAuthState(ctx, state)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrInvalidState
		}
		return "", nil, fmt.Errorf("failed to load auth state: %w", err)
	}

	verifier, err := o.store.ConsumeVerifier(ctx, state)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrMissingVerifier
		}
		return "", nil, fmt.Errorf("failed to load verifier: %w", err)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, o.client)

	token, err := o.config.Exchange(exchangeCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		o.logger.Warn("token exchange failed", "account", rec.AccountID, "error", err)
		return "", nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	o.logger.Info("authorization flow completed", "account", rec.AccountID)
	return rec.AccountID, token, nil
}
