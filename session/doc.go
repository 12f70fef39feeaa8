// Package session provides Redis-backed session persistence and compact binary
// session encoding for authentication hot paths.
//
// # Binary encoding
//
// Sessions are stored in Redis as a compact binary blob with a fixed-offset
// flags byte so the store's Lua scripts can flip the two-factor flag in place
// without decoding in Go.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model.
// It does NOT derive token digests, evaluate sign-in steps, or enforce rate
// limits — those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authcore (no upward imports).
//   - See or store raw session tokens; only their digests reach this package.
//   - Make application-level authorization decisions.
package session
