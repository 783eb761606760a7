// Package maintenance holds the periodic hygiene work: sweeping expired
// state and proactively refreshing tokens that are about to expire. The same
// runner backs the HTTP maintenance endpoints and the optional in-process
// ticker, so both entry points stay idempotent and safe to trigger
// concurrently.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/hiltonbrown/xero-mcp-server/internal/instrumentation"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
	"github.com/hiltonbrown/xero-mcp-server/internal/vault"
)

// RefreshLookahead is how far ahead the proactive refresh pass looks for
// expiring tokens.
const RefreshLookahead = time.Hour

// Runner executes the maintenance passes.
type Runner struct {
	store   store.Store
	vault   *vault.Vault
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// NewRunner creates a Runner. metrics may be nil when instrumentation is
// disabled.
func NewRunner(st store.Store, v *vault.Vault, metrics *instrumentation.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   st,
		vault:   v,
		metrics: metrics,
		logger:  logger,
	}
}

// Sweep removes expired auth states and sessions. Expiry is enforced at read
// time everywhere else, so the sweep is purely hygiene and safe to run on any
// schedule.
func (r *Runner) Sweep(ctx context.Context) (store.SweepStats, error) {
	stats, err := r.store.SweepExpired(ctx)
	if err != nil {
		r.logger.Error("maintenance sweep failed", "error", err)
		return store.SweepStats{}, err
	}

	r.logger.Info("maintenance sweep completed",
		"expired_states", stats.States,
		"expired_sessions", stats.Sessions,
	)
	return stats, nil
}

// RefreshTokens proactively refreshes tokens expiring within the lookahead
// window, keeping credentials warm between user requests.
func (r *Runner) RefreshTokens(ctx context.Context) (refreshed, failed int) {
	refreshed, failed = r.vault.RefreshExpiring(ctx, RefreshLookahead)

	if r.metrics != nil {
		for range refreshed {
			r.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.StatusSuccess)
		}
		for range failed {
			r.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.StatusError)
		}
	}

	r.logger.Info("proactive token refresh completed",
		"refreshed", refreshed,
		"failed", failed,
	)
	return refreshed, failed
}

// Run executes both passes on the given interval until the context is
// cancelled. Deployments with an external scheduler hit the maintenance
// endpoints instead and leave the interval at zero.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("maintenance ticker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("maintenance ticker stopped")
			return
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
			r.RefreshTokens(ctx)
		}
	}
}
