// Package rate implements the keyed in-memory limiters guarding the
// authentication flows: a refilling token bucket, an expiring (fixed-window)
// token bucket, and an escalating-delay throttler.
//
// All three share the same storage discipline: entries live in a sharded map,
// each shard guarded by its own mutex, so operations on the same key are
// linearizable while operations on different keys never serialize against each
// other. No I/O happens under a shard lock. Every limiter takes its notion of
// time from an injected Clock, making window arithmetic deterministic in tests.
//
// Entries are created on first touch of a key and decay according to the
// limiter's rule; Sweep drops entries that have decayed back to zero pressure
// so the key space stays bounded under IP churn.
package rate
