package server

import (
	"log/slog"
	"sync/atomic"

	"github.com/hiltonbrown/xero-mcp-server/internal/auth"
	"github.com/hiltonbrown/xero-mcp-server/internal/instrumentation"
	"github.com/hiltonbrown/xero-mcp-server/internal/session"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
	"github.com/hiltonbrown/xero-mcp-server/internal/vault"
	"github.com/hiltonbrown/xero-mcp-server/internal/webhook"
	"github.com/hiltonbrown/xero-mcp-server/internal/xero"
)

// ServerContext holds the explicitly constructed dependencies shared across
// handlers and tools. Components are injected here once at startup; nothing
// in the request path reaches for globals.
type ServerContext struct {
	logger       *slog.Logger
	store        store.Store
	vault        *vault.Vault
	sessions     *session.Manager
	orchestrator *auth.Orchestrator
	registry     auth.AccountRegistry
	ingestor     *webhook.Ingestor
	verifier     *webhook.Verifier
	accounting   xero.AccountingClient
	metrics      *instrumentation.Metrics
	auditLogger  *instrumentation.AuditLogger

	// appBaseURL is where OAuth callbacks redirect users after completion.
	appBaseURL string

	shutdown atomic.Bool
}

// ServerContextConfig collects the dependencies for NewServerContext.
type ServerContextConfig struct {
	Logger       *slog.Logger
	Store        store.Store
	Vault        *vault.Vault
	Sessions     *session.Manager
	Orchestrator *auth.Orchestrator
	Registry     auth.AccountRegistry
	Ingestor     *webhook.Ingestor
	Verifier     *webhook.Verifier
	Accounting   xero.AccountingClient
	Metrics      *instrumentation.Metrics
	AuditLogger  *instrumentation.AuditLogger
	AppBaseURL   string
}

// NewServerContext creates a ServerContext.
func NewServerContext(cfg ServerContextConfig) *ServerContext {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerContext{
		logger:       logger,
		store:        cfg.Store,
		vault:        cfg.Vault,
		sessions:     cfg.Sessions,
		orchestrator: cfg.Orchestrator,
		registry:     cfg.Registry,
		ingestor:     cfg.Ingestor,
		verifier:     cfg.Verifier,
		accounting:   cfg.Accounting,
		metrics:      cfg.Metrics,
		auditLogger:  cfg.AuditLogger,
		appBaseURL:   cfg.AppBaseURL,
	}
}

// Logger returns the shared logger.
func (sc *ServerContext) Logger() *slog.Logger { return sc.logger }

// Store returns the state store.
func (sc *ServerContext) Store() store.Store { return sc.store }

// Vault returns the token vault.
func (sc *ServerContext) Vault() *vault.Vault { return sc.vault }

// Sessions returns the session manager.
func (sc *ServerContext) Sessions() *session.Manager { return sc.sessions }

// Orchestrator returns the PKCE orchestrator.
func (sc *ServerContext) Orchestrator() *auth.Orchestrator { return sc.orchestrator }

// Registry returns the account registry.
func (sc *ServerContext) Registry() auth.AccountRegistry { return sc.registry }

// Ingestor returns the webhook ingestor.
func (sc *ServerContext) Ingestor() *webhook.Ingestor { return sc.ingestor }

// Verifier returns the webhook signature verifier.
func (sc *ServerContext) Verifier() *webhook.Verifier { return sc.verifier }

// Accounting returns the accounting API client.
func (sc *ServerContext) Accounting() xero.AccountingClient { return sc.accounting }

// Metrics returns the metrics recorder; may be nil when instrumentation is
// disabled.
func (sc *ServerContext) Metrics() *instrumentation.Metrics { return sc.metrics }

// AuditLogger returns the audit logger; may be nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger { return sc.auditLogger }

// AppBaseURL returns the application root for OAuth redirects.
func (sc *ServerContext) AppBaseURL() string { return sc.appBaseURL }

// SetShutdown marks the context as shutting down.
func (sc *ServerContext) SetShutdown() { sc.shutdown.Store(true) }

// IsShutdown reports whether shutdown has begun.
func (sc *ServerContext) IsShutdown() bool { return sc.shutdown.Load() }
