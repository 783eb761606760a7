package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/hiltonbrown/xero-mcp-server/internal/auth"
	"github.com/hiltonbrown/xero-mcp-server/internal/crypto"
	"github.com/hiltonbrown/xero-mcp-server/internal/instrumentation"
	"github.com/hiltonbrown/xero-mcp-server/internal/maintenance"
	"github.com/hiltonbrown/xero-mcp-server/internal/server"
	"github.com/hiltonbrown/xero-mcp-server/internal/session"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
	"github.com/hiltonbrown/xero-mcp-server/internal/tools"
	"github.com/hiltonbrown/xero-mcp-server/internal/vault"
	"github.com/hiltonbrown/xero-mcp-server/internal/webhook"
	"github.com/hiltonbrown/xero-mcp-server/internal/xero"
)

// defaultScopes covers the accounting operations the tool catalog exposes.
// offline_access is required for refresh tokens.
var defaultScopes = []string{
	"openid",
	"profile",
	"email",
	"accounting.transactions",
	"accounting.contacts",
	"accounting.settings",
	"offline_access",
}

// serveConfig collects everything the serve command needs to start.
type serveConfig struct {
	debug    bool
	httpAddr string

	clientID     string
	clientSecret string
	redirectURL  string
	appBaseURL   string
	scopes       []string

	encryptionKey string
	webhookSecret string
	accounts      []string

	storeType      string
	redisAddr      string
	redisPassword  string
	redisDB        int
	redisKeyPrefix string

	metricsEnabled bool
	metricsAddr    string

	maintenanceInterval time.Duration
}

func newServeCmd() *cobra.Command {
	var cfg serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control plane server",
		Long: `Start the HTTP server exposing the OAuth endpoints, the MCP transport,
the webhook receiver and the maintenance hooks.

Required configuration:
  Xero OAuth app credentials:
    --client-id / --client-secret OR XERO_CLIENT_ID / XERO_CLIENT_SECRET
  Token encryption key (generate with 'xero-mcp-server keygen'):
    --encryption-key OR ENCRYPTION_KEY
  Webhook signing secret:
    --webhook-secret OR XERO_WEBHOOK_SECRET
  Provisioned accounts:
    --accounts OR ACCOUNTS (comma separated account IDs)

State storage defaults to in-memory; use --store redis for deployments
with more than one instance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadServeEnvVars(cmd, &cfg)
			return runServe(cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&cfg.httpAddr, "http-addr", server.DefaultHTTPAddr, "HTTP server address")
	cmd.Flags().StringVar(&cfg.clientID, "client-id", "", "Xero OAuth client ID. Can also use XERO_CLIENT_ID env var.")
	cmd.Flags().StringVar(&cfg.clientSecret, "client-secret", "", "Xero OAuth client secret. Can also use XERO_CLIENT_SECRET env var.")
	cmd.Flags().StringVar(&cfg.redirectURL, "redirect-url", "", "OAuth callback URL registered with Xero (e.g. https://mcp.example.com/auth/callback). Can also use OAUTH_REDIRECT_URL env var.")
	cmd.Flags().StringVar(&cfg.appBaseURL, "base-url", "", "Application base URL users are redirected to after authorization. Can also use APP_BASE_URL env var.")
	cmd.Flags().StringSliceVar(&cfg.scopes, "scopes", defaultScopes, "OAuth scopes to request")
	cmd.Flags().StringVar(&cfg.encryptionKey, "encryption-key", "", "AES-256 key for token encryption at rest (32 bytes, base64). REQUIRED. Can also use ENCRYPTION_KEY env var.")
	cmd.Flags().StringVar(&cfg.webhookSecret, "webhook-secret", "", "HMAC signing secret for webhook verification. REQUIRED. Can also use XERO_WEBHOOK_SECRET env var.")
	cmd.Flags().StringSliceVar(&cfg.accounts, "accounts", nil, "Provisioned account IDs allowed to authenticate (comma separated). Can also use ACCOUNTS env var.")
	cmd.Flags().StringVar(&cfg.storeType, "store", "memory", "State store backend: memory or redis. Can also use STORE_TYPE env var.")
	cmd.Flags().StringVar(&cfg.redisAddr, "redis-addr", "", "Redis server address (e.g. localhost:6379). Can also use REDIS_ADDR env var.")
	cmd.Flags().StringVar(&cfg.redisPassword, "redis-password", "", "Redis authentication password. Can also use REDIS_PASSWORD env var.")
	cmd.Flags().IntVar(&cfg.redisDB, "redis-db", 0, "Redis database number. Can also use REDIS_DB env var.")
	cmd.Flags().StringVar(&cfg.redisKeyPrefix, "redis-key-prefix", "xeromcp:", "Prefix for all Redis keys. Can also use REDIS_KEY_PREFIX env var.")
	cmd.Flags().BoolVar(&cfg.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port")
	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")
	cmd.Flags().DurationVar(&cfg.maintenanceInterval, "maintenance-interval", 0, "Run the sweep/refresh maintenance passes on this interval (0 disables the in-process ticker; use the /maintenance endpoints with an external scheduler instead). Can also use MAINTENANCE_INTERVAL env var.")

	return cmd
}

// loadServeEnvVars fills unset flags from environment variables. Explicit
// flags always win.
func loadServeEnvVars(cmd *cobra.Command, cfg *serveConfig) {
	if cfg.clientID == "" {
		cfg.clientID = os.Getenv("XERO_CLIENT_ID")
	}
	if cfg.clientSecret == "" {
		cfg.clientSecret = os.Getenv("XERO_CLIENT_SECRET")
	}
	if cfg.redirectURL == "" {
		cfg.redirectURL = os.Getenv("OAUTH_REDIRECT_URL")
	}
	if cfg.appBaseURL == "" {
		cfg.appBaseURL = os.Getenv("APP_BASE_URL")
	}
	if cfg.encryptionKey == "" {
		cfg.encryptionKey = os.Getenv("ENCRYPTION_KEY")
	}
	if cfg.webhookSecret == "" {
		cfg.webhookSecret = os.Getenv("XERO_WEBHOOK_SECRET")
	}
	if len(cfg.accounts) == 0 {
		if accounts := os.Getenv("ACCOUNTS"); accounts != "" {
			cfg.accounts = parseCommaSeparatedList(accounts)
		}
	}
	if !cmd.Flags().Changed("store") {
		if storeType := os.Getenv("STORE_TYPE"); storeType != "" {
			cfg.storeType = storeType
		}
	}
	if cfg.redisAddr == "" {
		cfg.redisAddr = os.Getenv("REDIS_ADDR")
	}
	if cfg.redisPassword == "" {
		cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	}
	if !cmd.Flags().Changed("redis-db") {
		if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				cfg.redisDB = db
			}
		}
	}
	if !cmd.Flags().Changed("redis-key-prefix") {
		if prefix := os.Getenv("REDIS_KEY_PREFIX"); prefix != "" {
			cfg.redisKeyPrefix = prefix
		}
	}
	if !cmd.Flags().Changed("metrics-addr") {
		if addr := os.Getenv("METRICS_ADDR"); addr != "" {
			cfg.metricsAddr = addr
		}
	}
	if !cmd.Flags().Changed("maintenance-interval") {
		if raw := os.Getenv("MAINTENANCE_INTERVAL"); raw != "" {
			if interval, err := time.ParseDuration(raw); err == nil {
				cfg.maintenanceInterval = interval
			}
		}
	}
}

func runServe(cfg serveConfig) error {
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Fail fast on missing security configuration. Running without an
	// encryption key or webhook secret would silently weaken the system.
	if cfg.clientID == "" || cfg.clientSecret == "" {
		return fmt.Errorf("OAuth client credentials are required (--client-id/--client-secret or XERO_CLIENT_ID/XERO_CLIENT_SECRET)")
	}
	if cfg.encryptionKey == "" {
		return fmt.Errorf("token encryption key is required (--encryption-key or ENCRYPTION_KEY); generate one with 'xero-mcp-server keygen'")
	}
	if cfg.webhookSecret == "" {
		return fmt.Errorf("webhook signing secret is required (--webhook-secret or XERO_WEBHOOK_SECRET)")
	}
	if len(cfg.accounts) == 0 {
		return fmt.Errorf("at least one provisioned account is required (--accounts or ACCOUNTS)")
	}
	if cfg.redirectURL == "" {
		cfg.redirectURL = "http://localhost:8080/auth/callback"
		logger.Warn("no redirect URL configured, using development default", "redirect_url", cfg.redirectURL)
	}
	if cfg.appBaseURL == "" {
		cfg.appBaseURL = "http://localhost:8080"
	}
	cfg.appBaseURL = strings.TrimRight(cfg.appBaseURL, "/")

	key, err := crypto.KeyFromBase64(cfg.encryptionKey)
	if err != nil {
		return fmt.Errorf("invalid encryption key: %w", err)
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		return fmt.Errorf("invalid encryption key: %w", err)
	}

	verifier, err := webhook.NewVerifier(cfg.webhookSecret)
	if err != nil {
		return fmt.Errorf("invalid webhook configuration: %w", err)
	}

	// Instrumentation.
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("instrumentation shutdown failed", "error", err)
		}
	}()

	// State store.
	st, err := buildStore(shutdownCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.clientID,
		ClientSecret: cfg.clientSecret,
		RedirectURL:  cfg.redirectURL,
		Scopes:       cfg.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  xero.DefaultAuthorizeURL,
			TokenURL: xero.DefaultTokenURL,
		},
	}

	registry := auth.NewStaticRegistry(cfg.accounts)
	orchestrator := auth.NewOrchestrator(registry, st, oauthConfig, logger)
	tokenVault := vault.NewVault(st, box, oauthConfig, logger)
	sessions := session.NewManager(st, logger)
	accounting := xero.NewClient()

	ingestor := webhook.NewIngestor(st, logger)
	if provider.Enabled() {
		ingestor.SetMetrics(provider.Metrics())
	}
	registerWebhookHandlers(ingestor, logger)

	scConfig := server.ServerContextConfig{
		Logger:       logger,
		Store:        st,
		Vault:        tokenVault,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Registry:     registry,
		Ingestor:     ingestor,
		Verifier:     verifier,
		Accounting:   accounting,
		AppBaseURL:   cfg.appBaseURL,
	}
	if provider.Enabled() {
		scConfig.Metrics = provider.Metrics()
		scConfig.AuditLogger = instrumentation.NewAuditLogger(logger)
	}
	sc := server.NewServerContext(scConfig)

	dispatcher := server.NewDispatcher(sc)
	if err := tools.RegisterXeroTools(dispatcher, sc); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	// Metrics server on its own listener.
	var metricsServer *server.MetricsServer
	if cfg.metricsEnabled && provider.Enabled() {
		metricsServer, err = server.NewMetricsServer(cfg.metricsAddr, provider)
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server listening", "addr", metricsServer.Addr())
	}

	if cfg.maintenanceInterval > 0 {
		runner := maintenance.NewRunner(st, tokenVault, scConfig.Metrics, logger)
		go runner.Run(shutdownCtx, cfg.maintenanceInterval)
	}

	httpServer := server.NewHTTPServer(sc, dispatcher, cfg.httpAddr)

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received, draining")
		drainCtx, drainCancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer drainCancel()

		if err := httpServer.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(drainCtx); err != nil {
				logger.Error("metrics server shutdown failed", "error", err)
			}
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// buildStore constructs the configured state store backend.
func buildStore(ctx context.Context, cfg serveConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.storeType {
	case "memory":
		return store.NewMemoryStore(logger), nil
	case "redis":
		if cfg.redisAddr == "" {
			return nil, fmt.Errorf("--redis-addr (or REDIS_ADDR) is required for the redis store")
		}
		return store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.redisAddr,
			Password:  cfg.redisPassword,
			DB:        cfg.redisDB,
			KeyPrefix: cfg.redisKeyPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s (supported: memory, redis)", cfg.storeType)
	}
}

// registerWebhookHandlers installs the per-event-type actions. The concrete
// effect of a change notification is log-and-acknowledge; the dedup ledger
// and dispatch pipeline around it carry the processing guarantees.
func registerWebhookHandlers(ingestor *webhook.Ingestor, logger *slog.Logger) {
	record := func(action string) webhook.Handler {
		return func(ctx context.Context, ev webhook.Event) error {
			logger.Info("accounting change received",
				"action", action,
				"resource_type", ev.ResourceType,
				"resource", ev.ResourceID,
				"tenant", ev.TenantID,
			)
			return nil
		}
	}

	ingestor.RegisterHandler("CREATE", record("create"))
	ingestor.RegisterHandler("UPDATE", record("update"))
	ingestor.RegisterHandler("DELETE", record("delete"))
}

// parseCommaSeparatedList splits a comma-separated string, trimming
// whitespace and dropping empty entries.
func parseCommaSeparatedList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
