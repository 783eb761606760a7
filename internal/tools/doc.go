// Package tools defines the MCP tool catalog exposed to AI clients:
// tenant discovery, chart of accounts, contacts and invoice operations.
// Tools resolve credentials through the token vault, so callers never see
// or supply access tokens.
package tools
