// Package cmd implements the command-line interface for xero-mcp-server.
//
// This package provides the following commands:
//   - serve: Start the control plane server (OAuth, MCP transport, webhooks)
//   - keygen: Generate a base64-encoded AES-256 token encryption key
//   - version: Display version information
package cmd
