package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store implementation.
//
// This is the authoritative backend for horizontally scaled deployments:
// sessions, pending flows and the dedup ledger are shared across all
// process instances. Expiry is delegated to Redis TTLs, and the ledger
// check-and-record uses SET NX so concurrent deliveries of the same event
// resolve to exactly one winner.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	// Addr is the Redis server address, e.g. "redis.namespace.svc:6379".
	Addr string

	// Password is the optional authentication password.
	Password string

	// DB is the database number.
	DB int

	// KeyPrefix is prepended to all keys (default "xeromcp:").
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "xeromcp:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger,
	}, nil
}

func (s *RedisStore) stateKey(state string) string   { return s.keyPrefix + "state:" + state }
func (s *RedisStore) verifierKey(st string) string   { return s.keyPrefix + "verifier:" + st }
func (s *RedisStore) tokKey(acct, ten string) string { return s.keyPrefix + "token:" + acct + "/" + ten }
func (s *RedisStore) sessionKey(id string) string    { return s.keyPrefix + "session:" + id }
func (s *RedisStore) ledgerKey(ek string) string     { return s.keyPrefix + "ledger:" + ek }

// SaveAuthState persists a pending authorization flow with its TTL.
func (s *RedisStore) SaveAuthState(ctx context.Context, state *AuthState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("auth state already expired")
	}
	if err := s.client.Set(ctx, s.stateKey(state.State), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist auth state: %w", err)
	}
	return nil
}

// ConsumeAuthState atomically fetches and deletes the state record via GETDEL.
func (s *RedisStore) ConsumeAuthState(ctx context.Context, state string) (*AuthState, error) {
	payload, err := s.client.GetDel(ctx, s.stateKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load auth state: %w", err)
	}

	var rec AuthState
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode auth state: %w", err)
	}
	// The TTL should have removed expired records already; re-check in case
	// of clock skew between writer and Redis.
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// SaveVerifier persists the PKCE verifier with its TTL.
func (s *RedisStore) SaveVerifier(ctx context.Context, state, verifier string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.verifierKey(state), verifier, ttl).Err(); err != nil {
		return fmt.Errorf("persist verifier: %w", err)
	}
	return nil
}

// ConsumeVerifier atomically fetches and deletes the verifier for a state.
func (s *RedisStore) ConsumeVerifier(ctx context.Context, state string) (string, error) {
	verifier, err := s.client.GetDel(ctx, s.verifierKey(state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load verifier: %w", err)
	}
	return verifier, nil
}

// UpsertToken writes the token row for its (account, tenant) key.
// Token rows carry no Redis TTL: soft-invalidated rows must stay readable
// as an audit trail.
func (s *RedisStore) UpsertToken(ctx context.Context, rec *TokenRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	if err := s.client.Set(ctx, s.tokKey(rec.AccountID, rec.TenantID), payload, 0).Err(); err != nil {
		return fmt.Errorf("persist token record: %w", err)
	}
	return nil
}

// GetToken returns the token row for (account, tenant), expired or not.
func (s *RedisStore) GetToken(ctx context.Context, accountID, tenantID string) (*TokenRecord, error) {
	payload, err := s.client.Get(ctx, s.tokKey(accountID, tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load token record: %w", err)
	}
	var rec TokenRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	return &rec, nil
}

// ListTokens scans all token rows.
func (s *RedisStore) ListTokens(ctx context.Context) ([]*TokenRecord, error) {
	var out []*TokenRecord
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"token:*", 100).Iterator()
	for iter.Next(ctx) {
		payload, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("load token record: %w", err)
		}
		var rec TokenRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			s.logger.Warn("skipping undecodable token record", "key", iter.Val(), "error", err)
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan token records: %w", err)
	}
	return out, nil
}

// SaveSession persists a session record with a TTL matching its expiry.
func (s *RedisStore) SaveSession(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.SessionID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// GetSession returns the session, or ErrNotFound when absent or expired.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	payload, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !time.Now().Before(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// UpdateSession replaces an existing session, keeping its remaining TTL.
func (s *RedisStore) UpdateSession(ctx context.Context, sess *Session) error {
	exists, err := s.client.Exists(ctx, s.sessionKey(sess.SessionID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.SaveSession(ctx, sess)
}

// DeleteSession removes a session; deleting a missing session is a no-op.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PutLedgerEntry records a webhook event key via SET NX, so concurrent
// deliveries of the same event resolve to exactly one winner. The retention
// window is enforced by the key TTL.
func (s *RedisStore) PutLedgerEntry(ctx context.Context, eventKey string, retention time.Duration) (bool, error) {
	inserted, err := s.client.SetNX(ctx, s.ledgerKey(eventKey), time.Now().UTC().Format(time.RFC3339), retention).Result()
	if err != nil {
		return false, fmt.Errorf("record ledger entry: %w", err)
	}
	return inserted, nil
}

// DeleteLedgerEntry releases a ledger claim.
func (s *RedisStore) DeleteLedgerEntry(ctx context.Context, eventKey string) error {
	if err := s.client.Del(ctx, s.ledgerKey(eventKey)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete ledger entry: %w", err)
	}
	return nil
}

// SweepExpired is a no-op for Redis: key TTLs already remove expired
// states, verifiers, sessions and ledger entries.
func (s *RedisStore) SweepExpired(_ context.Context) (SweepStats, error) {
	return SweepStats{}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
