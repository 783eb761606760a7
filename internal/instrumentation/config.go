package instrumentation

import (
	"fmt"
	"os"
	"strconv"
)

// Exporter types for metrics and tracing.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// Status values for metric labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the name of the service (default: xero-mcp-server).
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ServiceInstanceID is the unique instance identifier (default: hostname).
	ServiceInstanceID string

	// Enabled determines if instrumentation is active (default: true).
	// Set INSTRUMENTATION_ENABLED=false to disable metrics and tracing.
	Enabled bool

	// MetricsExporter is "prometheus", "otlp" or "stdout" (default: prometheus).
	MetricsExporter string

	// TracingExporter is "otlp", "stdout" or "none" (default: none).
	TracingExporter string

	// OTLPEndpoint is the OTLP collector endpoint, e.g. "localhost:4318".
	OTLPEndpoint string

	// OTLPInsecure controls whether to use insecure HTTP for OTLP export.
	// Never use insecure transport in production.
	OTLPInsecure bool

	// TraceSamplingRate is the trace sampling rate (0.0 to 1.0, default 0.1).
	TraceSamplingRate float64
}

// DefaultConfig returns a Config populated from environment variables with
// sensible defaults.
func DefaultConfig() Config {
	cfg := Config{
		ServiceName:       "xero-mcp-server",
		ServiceVersion:    "dev",
		Enabled:           true,
		MetricsExporter:   ExporterPrometheus,
		TracingExporter:   ExporterNone,
		TraceSamplingRate: 0.1,
	}

	if v := os.Getenv("INSTRUMENTATION_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = enabled
		}
	}
	if v := os.Getenv("OTEL_METRICS_EXPORTER"); v != "" {
		cfg.MetricsExporter = v
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		cfg.TracingExporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if insecure, err := strconv.ParseBool(v); err == nil {
			cfg.OTLPInsecure = insecure
		}
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TraceSamplingRate = rate
		}
	}

	return cfg
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch c.MetricsExporter {
	case ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("unsupported metrics exporter: %s", c.MetricsExporter)
	}
	switch c.TracingExporter {
	case ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("unsupported tracing exporter: %s", c.TracingExporter)
	}
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}
	return nil
}
