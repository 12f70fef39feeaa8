// Package authcore provides a password-based authentication engine with email
// verification, TOTP two-factor authentication, recovery codes, password reset,
// and multi-tier in-memory rate limiting.
//
// The package is designed for concurrent server workloads: Engine methods are safe
// to call from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config], and value
// types (LoginResult, SessionValidation, etc.). Internal coordination — token
// derivation, rate-limiter shard management, audit dispatch — lives under internal/
// and is never exported.
//
// Session, email-verification, and password-reset records are persisted in Redis,
// keyed by one-way digests of the opaque tokens handed to clients. User records are
// reached through the [UserProvider] interface the caller implements against its own
// database.
//
// # What this package must NOT do
//
//   - Deliver email. Flows return the codes and addresses to send; transport is the
//     caller's concern.
//   - Render pages, parse forms, or manage cookies.
//   - Expose Redis clients, internal stores, or encoding details in its public API.
package authcore
