package session

// Session is the server-side state attached to one opaque login token.
//
// Session instances are decoded from Redis on every validated request and are
// treated as immutable by callers; all mutation goes through the [Store].
type Session struct {
	// Digest is the SHA-256 hex digest of the opaque token this session is
	// keyed by. It is filled in on read and never stored inside the blob.
	Digest string

	UserID string

	// TwoFactorVerified records that this session completed a second-factor
	// challenge. The flag is one-way per session: it is set by the store's
	// CAS script and cleared only by account-wide invalidation.
	TwoFactorVerified bool

	CreatedAt int64
	ExpiresAt int64
}
