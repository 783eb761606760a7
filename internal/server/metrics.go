package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hiltonbrown/xero-mcp-server/internal/instrumentation"
)

const (
	// DefaultMetricsAddr is the default bind address for the metrics server.
	DefaultMetricsAddr = ":9090"

	metricsReadHeaderTimeout = 10 * time.Second
	metricsWriteTimeout      = 10 * time.Second
	metricsIdleTimeout       = 60 * time.Second
)

// MetricsServer exposes Prometheus metrics on a dedicated listener, kept
// separate from application traffic so the scrape endpoint is never exposed
// through the public surface.
type MetricsServer struct {
	httpServer *http.Server
	addr       string
	provider   *instrumentation.Provider
}

// NewMetricsServer creates a metrics server backed by the instrumentation
// provider's Prometheus exporter.
func NewMetricsServer(addr string, provider *instrumentation.Provider) (*MetricsServer, error) {
	if addr == "" {
		addr = DefaultMetricsAddr
	}
	if provider == nil || !provider.Enabled() {
		return nil, fmt.Errorf("instrumentation provider is not enabled")
	}
	if provider.PrometheusHandler() == nil {
		return nil, fmt.Errorf("prometheus exporter is not configured")
	}
	return &MetricsServer{addr: addr, provider: provider}, nil
}

// Start serves until Shutdown. Blocking; run in a goroutine.
func (s *MetricsServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.provider.PrometheusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		WriteTimeout:      metricsWriteTimeout,
		IdleTimeout:       metricsIdleTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the metrics server gracefully.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the configured bind address.
func (s *MetricsServer) Addr() string {
	return s.addr
}
