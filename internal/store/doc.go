// Package store defines the durable state store behind the control plane
// (auth states, PKCE verifiers, encrypted tokens, sessions and the webhook
// dedup ledger) and provides in-memory and Redis backends.
//
// Consume operations are atomic delete-on-read and ledger writes are
// conditional, so correctness holds across multiple process instances when
// a shared backend is used.
package store
