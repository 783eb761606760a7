package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConsumeAuthStateIsSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveAuthState(ctx, &AuthState{
		State:     "state-1",
		AccountID: "acme",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	rec, err := s.ConsumeAuthState(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.AccountID)

	_, err = s.ConsumeAuthState(ctx, "state-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeAuthStateExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveAuthState(ctx, &AuthState{
		State:     "contested",
		AccountID: "acme",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthState(ctx, "contested"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one consumer must win the state")
}

func TestConsumeAuthStateExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveAuthState(ctx, &AuthState{
		State:     "stale",
		AccountID: "acme",
		CreatedAt: now.Add(-20 * time.Minute),
		ExpiresAt: now.Add(-10 * time.Minute),
	}))

	_, err := s.ConsumeAuthState(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeVerifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVerifier(ctx, "state-1", "verifier-value", 10*time.Minute))

	v, err := s.ConsumeVerifier(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "verifier-value", v)

	_, err = s.ConsumeVerifier(ctx, "state-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenUpsertReplacesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &TokenRecord{
		ID:                "row-1",
		AccountID:         "acme",
		TenantID:          "",
		AccessTokenCipher: "cipher-a",
		ExpiresAt:         time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, s.UpsertToken(ctx, rec))

	rec.AccessTokenCipher = "cipher-b"
	require.NoError(t, s.UpsertToken(ctx, rec))

	got, err := s.GetToken(ctx, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, "cipher-b", got.AccessTokenCipher)
	assert.Equal(t, "row-1", got.ID)

	all, err := s.ListTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetTokenCopiesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertToken(ctx, &TokenRecord{
		AccountID:         "acme",
		AccessTokenCipher: "original",
	}))

	got, err := s.GetToken(ctx, "acme", "")
	require.NoError(t, err)
	got.AccessTokenCipher = "mutated"

	again, err := s.GetToken(ctx, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, "original", again.AccessTokenCipher)
}

func TestExpiredSessionBehavesLikeMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveSession(ctx, &Session{
		SessionID: "expired",
		AccountID: "acme",
		CreatedAt: now.Add(-25 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))

	_, err := s.GetSession(ctx, "expired")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetSession(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSessionRequiresExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateSession(ctx, &Session{SessionID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveSession(ctx, &Session{
		SessionID: "live",
		AccountID: "acme",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.UpdateSession(ctx, &Session{
		SessionID: "live",
		AccountID: "acme",
		TenantID:  "tenant-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	got, err := s.GetSession(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", got.TenantID)
}

func TestDeleteSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DeleteSession(ctx, "never-existed"))
}

func TestLedgerClaimAndRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.PutLedgerEntry(ctx, "event-key", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.PutLedgerEntry(ctx, "event-key", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed, "a key inside the retention window must not be claimable twice")

	require.NoError(t, s.DeleteLedgerEntry(ctx, "event-key"))

	claimed, err = s.PutLedgerEntry(ctx, "event-key", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed, "a released claim must be claimable again")
}

func TestLedgerClaimExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.PutLedgerEntry(ctx, "contested", 24*time.Hour)
			if err == nil && claimed {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1)
}

func TestSweepExpiredCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveAuthState(ctx, &AuthState{
		State:     "dead",
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.SaveAuthState(ctx, &AuthState{
		State:     "alive",
		ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.SaveSession(ctx, &Session{
		SessionID: "dead",
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.SaveSession(ctx, &Session{
		SessionID: "alive",
		ExpiresAt: now.Add(time.Hour),
	}))

	stats, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.States)
	assert.Equal(t, 1, stats.Sessions)

	// Survivors stay.
	_, err = s.ConsumeAuthState(ctx, "alive")
	assert.NoError(t, err)
	_, err = s.GetSession(ctx, "alive")
	assert.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore(nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
