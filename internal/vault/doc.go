// Package vault stores OAuth tokens encrypted at rest and hands out valid
// access tokens, refreshing transparently when a token nears expiry.
//
// Concurrent refreshes for the same (account, tenant) are collapsed through
// a singleflight group: exactly one refresh grant runs, everyone else reads
// its result. A rejected refresh soft-invalidates the row (expiry forced
// into the past) rather than deleting it, so the audit trail survives and
// the caller gets an authentication-class error telling it to
// re-authenticate instead of retrying.
package vault
