package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation.
//
// It is suitable for a single-instance deployment and for tests. In a
// horizontally scaled deployment the dedup ledger and sessions must live in
// a shared backend (see RedisStore); a per-process map cannot provide
// cross-instance idempotency or session continuity.
type MemoryStore struct {
	mu        sync.Mutex
	states    map[string]*AuthState
	verifiers map[string]verifierEntry
	tokens    map[string]*TokenRecord
	sessions  map[string]*Session
	ledger    map[string]time.Time

	// ledgerHighWater triggers an opportunistic age-based eviction pass when
	// the ledger grows past it. Eviction never removes live-window entries.
	ledgerHighWater int
	retention       time.Duration

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	closeOnce     sync.Once
	logger        *slog.Logger
}

type verifierEntry struct {
	verifier  string
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore with a background cleanup goroutine.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}

	s := &MemoryStore{
		states:          make(map[string]*AuthState),
		verifiers:       make(map[string]verifierEntry),
		tokens:          make(map[string]*TokenRecord),
		sessions:        make(map[string]*Session),
		ledger:          make(map[string]time.Time),
		ledgerHighWater: 10000,
		cleanupTicker:   time.NewTicker(1 * time.Minute),
		cleanupDone:     make(chan struct{}),
		logger:          logger,
	}

	go s.cleanupLoop()

	return s
}

func tokenKey(accountID, tenantID string) string {
	return accountID + "/" + tenantID
}

// SaveAuthState persists a pending authorization flow.
func (s *MemoryStore) SaveAuthState(_ context.Context, state *AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[state.State] = &cp
	s.logger.Debug("saved auth state",
		"account", state.AccountID,
		"expires_at", state.ExpiresAt,
	)
	return nil
}

// ConsumeAuthState fetches and deletes the state record under one lock hold,
// so only one of two racing callbacks can win.
func (s *MemoryStore) ConsumeAuthState(_ context.Context, state string) (*AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.states[state]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(s.states, state)
		return nil, ErrNotFound
	}

	delete(s.states, state)
	cp := *rec
	return &cp, nil
}

// SaveVerifier persists the PKCE verifier correlated with a state.
func (s *MemoryStore) SaveVerifier(_ context.Context, state, verifier string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.verifiers[state] = verifierEntry{
		verifier:  verifier,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// ConsumeVerifier fetches and deletes the verifier for a state.
func (s *MemoryStore) ConsumeVerifier(_ context.Context, state string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.verifiers[state]
	if !ok {
		return "", ErrNotFound
	}
	delete(s.verifiers, state)
	if time.Now().After(entry.expiresAt) {
		return "", ErrNotFound
	}
	return entry.verifier, nil
}

// UpsertToken writes the token row for its (account, tenant) key in place.
func (s *MemoryStore) UpsertToken(_ context.Context, rec *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.tokens[tokenKey(rec.AccountID, rec.TenantID)] = &cp
	return nil
}

// GetToken returns the token row for (account, tenant), expired or not.
func (s *MemoryStore) GetToken(_ context.Context, accountID, tenantID string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[tokenKey(accountID, tenantID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListTokens returns all token rows.
func (s *MemoryStore) ListTokens(_ context.Context) ([]*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*TokenRecord, 0, len(s.tokens))
	for _, rec := range s.tokens {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// SaveSession persists a session record.
func (s *MemoryStore) SaveSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

// GetSession returns the session, or ErrNotFound when absent or expired.
// Expired rows are left for the sweep; they are simply never returned.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !time.Now().Before(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// UpdateSession replaces an existing session record.
func (s *MemoryStore) UpdateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.SessionID]; !ok {
		return ErrNotFound
	}
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

// DeleteSession removes a session; deleting a missing session is a no-op.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// PutLedgerEntry records a webhook event key. Check and record happen under
// one lock hold, making the operation atomic.
func (s *MemoryStore) PutLedgerEntry(_ context.Context, eventKey string, retention time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.retention = retention

	if firstSeen, ok := s.ledger[eventKey]; ok {
		if now.Sub(firstSeen) < retention {
			return false, nil
		}
		// Outside the retention window: the entry no longer guards anything.
	}

	s.ledger[eventKey] = now

	if len(s.ledger) > s.ledgerHighWater {
		s.evictLedgerLocked(now)
	}

	return true, nil
}

// DeleteLedgerEntry releases a ledger claim.
func (s *MemoryStore) DeleteLedgerEntry(_ context.Context, eventKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.ledger, eventKey)
	return nil
}

// evictLedgerLocked removes ledger entries older than the retention window.
// Eviction is strictly by age; entries inside the window are never removed,
// even under memory pressure, so the idempotency contract holds.
func (s *MemoryStore) evictLedgerLocked(now time.Time) {
	evicted := 0
	for key, firstSeen := range s.ledger {
		if now.Sub(firstSeen) >= s.retention {
			delete(s.ledger, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("evicted aged ledger entries", "count", evicted)
	}
}

// SweepExpired removes expired auth states, verifiers and sessions.
func (s *MemoryStore) SweepExpired(_ context.Context) (SweepStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var stats SweepStats

	for state, rec := range s.states {
		if now.After(rec.ExpiresAt) {
			delete(s.states, state)
			stats.States++
		}
	}
	for state, entry := range s.verifiers {
		if now.After(entry.expiresAt) {
			delete(s.verifiers, state)
		}
	}
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
			stats.Sessions++
		}
	}

	return stats, nil
}

// cleanupLoop periodically sweeps expired records.
func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			stats, _ := s.SweepExpired(context.Background())
			if stats.States > 0 || stats.Sessions > 0 {
				s.logger.Debug("cleaned up expired records",
					"states", stats.States,
					"sessions", stats.Sessions,
				)
			}
		case <-s.cleanupDone:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.cleanupDone)
	})
	return nil
}
