// Package server provides the HTTP surface and the JSON-RPC dispatcher for
// the control plane.
//
// # Key Components
//
// ServerContext holds the explicitly injected dependencies (store, vault,
// session manager, orchestrator, ingestor, accounting client) shared across
// handlers. Nothing in the request path reaches for globals.
//
// Dispatcher routes JSON-RPC 2.0 messages to MCP method handlers. Tool
// invocations are gated before any tool logic runs:
//   - a missing sessionId yields code -32001
//   - an invalid or expired session yields code -32002
//   - a tenant conflicting with the session's binding yields code -32003
//
// Error payloads carry a machine-readable {type, retryable} data object so
// clients can distinguish re-authentication from backoff.
//
// HTTPServer exposes the outward endpoints:
//   - /auth/start and /auth/callback for the OAuth flow
//   - /mcp for the MCP transport (GET descriptor, POST messages)
//   - /webhooks/accounting for signed change notifications
//   - /maintenance/sweep and /maintenance/refresh for scheduled hygiene
//   - /healthz and /readyz for probes
//
// MetricsServer serves Prometheus metrics on a dedicated listener so the
// scrape endpoint never rides on the public surface.
package server
