// Package webhook verifies and ingests accounting platform change
// notifications.
//
// Every delivery is authenticated with a constant-time HMAC-SHA256 check
// before parsing. Events are deduplicated against a shared ledger keyed by
// SHA-256(resourceId|eventType|eventDateUtc) with a 24-hour retention
// window; the claim is a conditional write, so concurrent deliveries of the
// same event resolve to exactly one winner. A failed handler releases its
// claim so the platform's redelivery can reattempt, which makes processing
// exactly-once-effective rather than merely at-most-once.
package webhook
