package authcore

import "errors"

var (
	// ErrRateLimited is returned whenever any rate-limit tier rejects a request.
	// Callers cannot distinguish which tier triggered it.
	ErrRateLimited = errors.New("too many requests")
	// ErrNotAuthenticated is returned when no valid session backs the request.
	// Unknown, tampered, and expired tokens are indistinguishable.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrForbidden is returned when the session is valid but a flow precondition
	// (verified email, verified second factor, correct flow ordering) is unmet.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput is returned for malformed or missing fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrWeakPassword is returned when a new password fails the strength policy.
	ErrWeakPassword = errors.New("weak password")
	// ErrAccountNotFound is returned by Login when no account matches the email.
	// Other flows deliberately do not reveal account existence.
	ErrAccountNotFound = errors.New("account not found")
	// ErrIncorrectPassword is returned when password verification fails.
	ErrIncorrectPassword = errors.New("incorrect password")
	// ErrIncorrectCode is returned when a verification, TOTP, or recovery code
	// does not match.
	ErrIncorrectCode = errors.New("incorrect code")
	// ErrSecondFactorNotSet is returned when a 2FA operation targets an account
	// without a registered TOTP key.
	ErrSecondFactorNotSet = errors.New("second factor not registered")
	// ErrSecondFactorAlreadyVerified is returned when a challenge or recovery
	// entry point is hit by a session that already cleared its second factor.
	ErrSecondFactorAlreadyVerified = errors.New("second factor already verified")
	// ErrStoreUnavailable wraps unexpected Credential Store failures. It is the
	// only error class callers should treat as fatal.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrEngineNotReady indicates the engine was not built through Builder.Build.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrProviderUserNotFound must be returned (or wrapped) by UserProvider
	// lookups when no record matches. The engine maps it per flow: Login reports
	// it, other flows stay enumeration-safe.
	ErrProviderUserNotFound = errors.New("provider: user not found")
)
