package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ToolInvocation captures one MCP tool invocation for audit logging.
//
// Session identifiers are bearer credentials; only their hashed form ever
// reaches the audit stream.
type ToolInvocation struct {
	// Tool name.
	Tool string

	// SessionHash is the anonymized session identifier.
	SessionHash string

	// AccountID and TenantID identify the target of the call.
	AccountID string
	TenantID  string

	// Execution details.
	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	// Tracing context.
	TraceID string
	SpanID  string
}

// NewToolInvocation starts an invocation record.
func NewToolInvocation(tool string) *ToolInvocation {
	return &ToolInvocation{
		Tool:      tool,
		StartTime: time.Now(),
	}
}

// WithSession attaches the anonymized session id.
func (ti *ToolInvocation) WithSession(sessionHash string) *ToolInvocation {
	ti.SessionHash = sessionHash
	return ti
}

// WithTarget attaches the account and tenant.
func (ti *ToolInvocation) WithTarget(accountID, tenantID string) *ToolInvocation {
	ti.AccountID = accountID
	ti.TenantID = tenantID
	return ti
}

// WithSpanContext captures the trace and span ids from the context, if any.
func (ti *ToolInvocation) WithSpanContext(ctx context.Context) *ToolInvocation {
	span := trace.SpanContextFromContext(ctx)
	if span.IsValid() {
		ti.TraceID = span.TraceID().String()
		ti.SpanID = span.SpanID().String()
	}
	return ti
}

// Complete finalizes the record.
func (ti *ToolInvocation) Complete(success bool, err error) {
	ti.Duration = time.Since(ti.StartTime)
	ti.Success = success
	if err != nil {
		ti.Error = err.Error()
	}
}

// Status returns "success" or "error".
func (ti *ToolInvocation) Status() string {
	if ti.Success {
		return StatusSuccess
	}
	return StatusError
}

// LogAttrs returns slog attributes for structured logging.
func (ti *ToolInvocation) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("tool", ti.Tool),
		slog.Duration("duration", ti.Duration),
		slog.Bool("success", ti.Success),
	}
	if ti.SessionHash != "" {
		attrs = append(attrs, slog.String("session_hash", ti.SessionHash))
	}
	if ti.AccountID != "" {
		attrs = append(attrs, slog.String("account", ti.AccountID))
	}
	if ti.TenantID != "" {
		attrs = append(attrs, slog.String("tenant", ti.TenantID))
	}
	if ti.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ti.TraceID))
	}
	if ti.Error != "" {
		attrs = append(attrs, slog.String("error", ti.Error))
	}
	return attrs
}

// AuditLogger writes tool invocation records to a dedicated audit stream.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger on top of the given logger.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger.With(slog.String("log_type", "audit"))}
}

// LogToolInvocation writes one invocation record.
func (a *AuditLogger) LogToolInvocation(ti *ToolInvocation) {
	level := slog.LevelInfo
	if !ti.Success {
		level = slog.LevelWarn
	}
	a.logger.LogAttrs(context.Background(), level, "tool invocation", ti.LogAttrs()...)
}
