package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/hiltonbrown/xero-mcp-server/internal/apperr"
	"github.com/hiltonbrown/xero-mcp-server/internal/auth"
	"github.com/hiltonbrown/xero-mcp-server/internal/instrumentation"
	"github.com/hiltonbrown/xero-mcp-server/internal/logging"
	"github.com/hiltonbrown/xero-mcp-server/internal/maintenance"
	"github.com/hiltonbrown/xero-mcp-server/internal/webhook"
)

const (
	// DefaultHTTPAddr is the default bind address for the main server.
	DefaultHTTPAddr = ":8080"

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 120 * time.Second

	// maxRPCBodySize bounds /mcp request bodies.
	maxRPCBodySize = 1 << 20

	// maxWebhookBodySize bounds webhook delivery bodies.
	maxWebhookBodySize = 5 << 20

	// signatureHeader carries the delivery's HMAC signature.
	signatureHeader = "X-Signature"
)

// HTTPServer is the public surface: OAuth endpoints, the MCP transport, the
// webhook receiver and the maintenance hooks.
type HTTPServer struct {
	sc          *ServerContext
	dispatcher  *Dispatcher
	health      *HealthChecker
	maintenance *maintenance.Runner
	httpServer  *http.Server
	addr        string
}

// NewHTTPServer creates the main HTTP server.
func NewHTTPServer(sc *ServerContext, dispatcher *Dispatcher, addr string) *HTTPServer {
	if addr == "" {
		addr = DefaultHTTPAddr
	}
	return &HTTPServer{
		sc:          sc,
		dispatcher:  dispatcher,
		health:      NewHealthChecker(sc),
		maintenance: maintenance.NewRunner(sc.Store(), sc.Vault(), sc.Metrics(), sc.Logger()),
		addr:        addr,
	}
}

// Health returns the health checker for readiness control during shutdown.
func (s *HTTPServer) Health() *HealthChecker {
	return s.health
}

// Start serves until Shutdown. Blocking; run in a goroutine.
func (s *HTTPServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle("GET /auth/start", s.instrument("/auth/start", http.HandlerFunc(s.handleAuthStart)))
	mux.Handle("GET /auth/callback", s.instrument("/auth/callback", http.HandlerFunc(s.handleAuthCallback)))
	mux.Handle("GET /mcp", s.instrument("/mcp", http.HandlerFunc(s.handleMCPDescriptor)))
	mux.Handle("POST /mcp", s.instrument("/mcp", http.HandlerFunc(s.handleMCPMessage)))
	mux.Handle("POST /webhooks/accounting", s.instrument("/webhooks/accounting", http.HandlerFunc(s.handleWebhook)))
	mux.Handle("POST /maintenance/sweep", s.instrument("/maintenance/sweep", http.HandlerFunc(s.handleSweep)))
	mux.Handle("POST /maintenance/refresh", s.instrument("/maintenance/refresh", http.HandlerFunc(s.handleRefresh)))
	s.health.RegisterHealthEndpoints(mux)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	s.sc.Logger().Info("starting http server", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests. Readiness drops first so load
// balancers stop routing new traffic during the drain.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.sc.SetShutdown()
	s.health.SetReady(false)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and duration per route pattern. The
// pattern, not the raw path, is the metric label so cardinality stays fixed.
func (s *HTTPServer) instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if m := s.sc.Metrics(); m != nil {
			m.RecordHTTPRequest(r.Context(), r.Method, pattern, rec.status, time.Since(start))
		}
	})
}

// handleAuthStart initiates the authorization flow for a provisioned account
// and redirects the user to the authorization server.
func (s *HTTPServer) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "missing_account", "accountId query parameter is required", apperr.KindValidation)
		return
	}

	authURL, err := s.sc.Orchestrator().BeginAuth(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownAccount) {
			writeErrorEnvelope(w, http.StatusBadRequest, "unknown_account", "account is not provisioned", apperr.KindValidation)
			return
		}
		s.sc.Logger().Error("failed to initiate authorization flow", "account", accountID, "error", err)
		writeErrorEnvelope(w, http.StatusInternalServerError, "auth_start_failed", "failed to initiate authorization flow", apperr.KindInternal)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthCallback completes the flow: code exchange, tenant discovery,
// token storage and session issuance. The user always ends up redirected to
// the application root, carrying either the session or an error code.
func (s *HTTPServer) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		s.sc.Logger().Warn("authorization denied at provider", "error", errCode)
		s.recordAuthResult(ctx, instrumentation.StatusError)
		s.redirectWithError(w, r, errCode)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		s.recordAuthResult(ctx, instrumentation.StatusError)
		s.redirectWithError(w, r, "invalid_callback")
		return
	}

	accountID, token, err := s.sc.Orchestrator().CompleteAuth(ctx, code, state)
	if err != nil {
		s.recordAuthResult(ctx, instrumentation.StatusError)
		switch {
		case errors.Is(err, auth.ErrInvalidState):
			s.redirectWithError(w, r, "invalid_state")
		case errors.Is(err, auth.ErrMissingVerifier):
			s.redirectWithError(w, r, "missing_verifier")
		case errors.Is(err, auth.ErrTokenExchangeFailed):
			s.redirectWithError(w, r, "token_exchange_failed")
		default:
			s.sc.Logger().Error("authorization callback failed", "error", err)
			s.redirectWithError(w, r, "server_error")
		}
		return
	}

	// One token row per account: the credential is tenant-agnostic and the
	// tenant is selected per request. Storing per-tenant copies would break
	// under refresh token rotation.
	if err := s.sc.Vault().Store(ctx, accountID, "", token); err != nil {
		s.sc.Logger().Error("failed to store token", "account", accountID, "error", err)
		s.recordAuthResult(ctx, instrumentation.StatusError)
		s.redirectWithError(w, r, "server_error")
		return
	}

	tenants, err := s.sc.Accounting().Connections(ctx, token.AccessToken)
	if err != nil {
		// Token is stored and usable; tenant discovery can be retried via
		// the list-tenants tool.
		s.sc.Logger().Warn("tenant discovery failed", "account", accountID, "error", err)
		tenants = nil
	}

	// Pre-bind the tenant only when it is unambiguous.
	tenantID := ""
	if len(tenants) == 1 {
		tenantID = tenants[0].TenantID
	}

	sess, err := s.sc.Sessions().Create(ctx, accountID, tenantID)
	if err != nil {
		s.sc.Logger().Error("failed to create session", "account", accountID, "error", err)
		s.recordAuthResult(ctx, instrumentation.StatusError)
		s.redirectWithError(w, r, "server_error")
		return
	}
	if m := s.sc.Metrics(); m != nil {
		m.IncrementActiveSessions(ctx)
	}
	s.recordAuthResult(ctx, instrumentation.StatusSuccess)

	s.sc.Logger().Info("authorization completed",
		logging.Account(accountID),
		logging.SessionHash(sess.SessionID),
		"tenant_count", len(tenants),
	)

	params := url.Values{}
	params.Set("success", "true")
	params.Set("sessionId", sess.SessionID)
	params.Set("tenantCount", fmt.Sprintf("%d", len(tenants)))
	http.Redirect(w, r, s.sc.AppBaseURL()+"/?"+params.Encode(), http.StatusFound)
}

func (s *HTTPServer) recordAuthResult(ctx context.Context, result string) {
	if m := s.sc.Metrics(); m != nil {
		m.RecordOAuthAuth(ctx, result)
	}
}

func (s *HTTPServer) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	params := url.Values{}
	params.Set("error", code)
	http.Redirect(w, r, s.sc.AppBaseURL()+"/?"+params.Encode(), http.StatusFound)
}

// mcpDescriptor describes the MCP endpoint for clients probing with GET.
type mcpDescriptor struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	ProtocolVersion string   `json:"protocolVersion"`
	Transport       string   `json:"transport"`
	Capabilities    []string `json:"capabilities"`
}

func (s *HTTPServer) handleMCPDescriptor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, mcpDescriptor{
		Name:            serverName,
		Version:         serverVersion,
		ProtocolVersion: protocolVersion,
		Transport:       "http",
		Capabilities:    []string{"tools"},
	})
}

// handleMCPMessage forwards one JSON-RPC message to the dispatcher. The
// session travels as the sessionId query parameter; its enforcement is the
// dispatcher's job, not the transport's.
func (s *HTTPServer) handleMCPMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBodySize))
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_body", "failed to read request body", apperr.KindValidation)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	resp := s.dispatcher.HandleMessage(r.Context(), sessionID, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// webhookResponse acknowledges a delivery. Per-event failures are reported
// in the counts, never as a delivery-level error; the platform must not
// redeliver a batch because one event's handler failed.
type webhookResponse struct {
	Status       string `json:"status"`
	Processed    int    `json:"processed"`
	Failed       int    `json:"failed"`
	Deduplicated int    `json:"deduplicated"`
	Total        int    `json:"total"`
	RequestID    string `json:"requestId"`
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := s.sc.Logger().With("request_id", requestID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_body", "failed to read request body", apperr.KindValidation)
		return
	}

	// Signature first: an unsigned or tampered body must be rejected before
	// it is even parsed.
	if !s.sc.Verifier().Verify(body, r.Header.Get(signatureHeader)) {
		logger.Warn("webhook signature verification failed")
		writeErrorEnvelope(w, http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed", apperr.KindAuthentication)
		return
	}

	result, err := s.sc.Ingestor().Ingest(r.Context(), body)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid_payload", "malformed webhook payload", apperr.KindValidation)
			return
		}
		logger.Error("webhook ingestion failed", "error", err)
		writeErrorEnvelope(w, http.StatusInternalServerError, "ingest_failed", "webhook ingestion failed", apperr.KindInternal)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Status:       "ok",
		Processed:    result.Processed,
		Failed:       result.Failed,
		Deduplicated: result.Deduplicated,
		Total:        result.Total,
		RequestID:    requestID,
	})
}

// errorEnvelope is the JSON error body for non-RPC endpoints.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code, message string, kind apperr.Kind) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		Type:      string(kind),
		Retryable: apperr.Retryable(apperr.New(kind, message)),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
