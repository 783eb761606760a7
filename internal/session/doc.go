// Package session manages MCP client sessions: 256-bit identifiers, a
// 24-hour lifetime, and an immutable tenant binding. Expired sessions are
// indistinguishable from never-issued ones.
package session
