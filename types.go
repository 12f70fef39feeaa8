package authcore

import (
	"context"

	"github.com/tidegate/authcore/session"
)

// User is the account record the engine works with. SecondFactorRegistered is
// derived by the provider from the presence of a TOTP key.
type User struct {
	ID                     string
	Email                  string
	Username               string
	EmailVerified          bool
	SecondFactorRegistered bool
	PasswordHash           string
}

// UserProvider is the interface callers implement to connect the engine to
// their user database. Implementations must be safe for concurrent use.
//
// ResetSecondFactorWithRecoveryCode is the one conditional primitive: it must
// compare the stored recovery-code hash against matchHash and, only on a match,
// atomically replace it with newHash and clear the TOTP key, returning whether
// the swap happened. Two concurrent calls with the same matchHash must not both
// report success.
type UserProvider interface {
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	// SetEmailVerified mutates the address and the verified flag in one write.
	SetEmailVerified(ctx context.Context, userID, email string) error
	GetTOTPKey(ctx context.Context, userID string) ([]byte, error)
	SetTOTPKey(ctx context.Context, userID string, key []byte) error
	ClearTOTPKey(ctx context.Context, userID string) error
	SetRecoveryCodeHash(ctx context.Context, userID string, hash [32]byte) error
	ResetSecondFactorWithRecoveryCode(ctx context.Context, userID string, matchHash, newHash [32]byte) (bool, error)
}

// SessionFlags carries the initial state of a new session.
type SessionFlags struct {
	// TwoFactorVerified is false for a fresh login and may be true when the
	// session is inherited from a reset session that already cleared 2FA.
	TwoFactorVerified bool
}

// LoginResult is returned by Login, UpdatePassword, and CompletePasswordReset.
// Token is the opaque session token to hand to the client; it is never stored.
type LoginResult struct {
	Token   string
	Session session.Session
	User    User
}

// SessionValidation is returned by ValidateSessionToken.
type SessionValidation struct {
	Session session.Session
	User    User
}

// TOTPProvision holds the raw key and otpauth:// URI for enrolling an
// authenticator app. The key is echoed back by the client at confirmation.
type TOTPProvision struct {
	Key          []byte
	KeyBase32    string
	ProvisionURI string
}

// EmailVerificationIssue is the outbound side of a verification request: the
// caller delivers Code to Email. The engine never sends mail.
type EmailVerificationIssue struct {
	Email     string
	Code      string
	ExpiresAt int64
}

// EmailVerificationOutcome is returned by VerifyEmail. When the submitted code
// had expired, Resent is true and Reissued carries the replacement to deliver;
// the submission itself is neither a success nor a terminal failure.
type EmailVerificationOutcome struct {
	Verified bool
	Resent   bool
	Reissued *EmailVerificationIssue
}

// PasswordResetIssue is the outbound side of a forgot-password request.
type PasswordResetIssue struct {
	Token     string
	Email     string
	Code      string
	ExpiresAt int64
}

// Step identifies the next gate in the authentication maturity order. Flows
// return it alongside ErrForbidden so callers can redirect forward.
type Step int

const (
	// StepNone means the session is fully verified.
	StepNone Step = iota
	// StepVerifyEmail means the account's address is unverified.
	StepVerifyEmail
	// StepSetUpSecondFactor means no TOTP key is registered.
	StepSetUpSecondFactor
	// StepVerifySecondFactor means the session has not cleared 2FA.
	StepVerifySecondFactor
)

// String returns the redirect-friendly name of the step.
func (s Step) String() string {
	switch s {
	case StepVerifyEmail:
		return "verify-email"
	case StepSetUpSecondFactor:
		return "setup-2fa"
	case StepVerifySecondFactor:
		return "verify-2fa"
	default:
		return "done"
	}
}

// RequiredStep computes the next unmet gate for a user/session pair. The order
// is strict: email verification, then 2FA enrollment, then 2FA verification.
func RequiredStep(user User, sess session.Session) Step {
	if !user.EmailVerified {
		return StepVerifyEmail
	}
	if !user.SecondFactorRegistered {
		return StepSetUpSecondFactor
	}
	if !secondFactorSatisfied(user.SecondFactorRegistered, sess.TwoFactorVerified) {
		return StepVerifySecondFactor
	}
	return StepNone
}

// secondFactorSatisfied is the single rule for the conditional second-factor
// requirement: accounts without a registered factor pass vacuously. Every flow
// that gates on 2FA goes through this so the rule cannot drift per flow.
func secondFactorSatisfied(registered, verified bool) bool {
	return !registered || verified
}
