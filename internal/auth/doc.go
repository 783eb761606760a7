// Package auth implements the OAuth2 Authorization-Code-with-PKCE flow
// against the Xero identity service.
//
// The Orchestrator owns the state and verifier lifecycle: BeginAuth persists
// both with a ten-minute TTL, CompleteAuth consumes them atomically so a
// replayed callback cannot complete twice. Token persistence is the vault's
// job, not this package's.
package auth
