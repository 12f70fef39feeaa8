package authcore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/tidegate/authcore/internal"
	"github.com/tidegate/authcore/session"
)

// ProvisionTOTP generates a fresh TOTP key for enrollment. The key is NOT
// persisted: the client renders the URI, the user scans it, and the same key
// comes back through [Engine.ConfirmTOTPSetup] together with a first code.
// Abandoned provisions therefore cost nothing server-side.
func (e *Engine) ProvisionTOTP(ctx context.Context, token string) (*TOTPProvision, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}

	sess, user, err := e.requireSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := e.checkSetupAllowed(user, sess.TwoFactorVerified); err != nil {
		return nil, err
	}

	if !e.totpSetupBucket.Check(sess.UserID, 1) {
		e.emitRateLimit(ctx, "totp_setup", sess.UserID)
		return nil, ErrRateLimited
	}

	key, keyBase32, err := e.totp.GenerateKey()
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricTOTPSetupRequested)
	e.emitAudit(ctx, auditEventTOTPSetupRequested, true, sess.UserID, nil, nil)

	return &TOTPProvision{
		Key:          key,
		KeyBase32:    keyBase32,
		ProvisionURI: e.totp.ProvisionURI(keyBase32, user.Email),
	}, nil
}

// ConfirmTOTPSetup completes enrollment: the submitted code must verify
// against the echoed key, proving the authenticator actually holds it. On
// success the key is stored, a single recovery code is issued (returned once,
// never again), and the calling session is marked two-factor verified.
func (e *Engine) ConfirmTOTPSetup(ctx context.Context, token string, key []byte, code string) (recoveryCode string, err error) {
	if e == nil || e.totp == nil {
		return "", ErrEngineNotReady
	}

	sess, user, err := e.requireSession(ctx, token)
	if err != nil {
		return "", err
	}
	if err := e.checkSetupAllowed(user, sess.TwoFactorVerified); err != nil {
		return "", err
	}

	if !e.totpSetupBucket.Check(sess.UserID, 1) {
		e.emitRateLimit(ctx, "totp_setup", sess.UserID)
		return "", ErrRateLimited
	}

	if len(key) == 0 || code == "" {
		return "", ErrInvalidInput
	}

	if !e.totpSetupBucket.Consume(sess.UserID, 1) {
		e.emitRateLimit(ctx, "totp_setup", sess.UserID)
		return "", ErrRateLimited
	}

	ok, err := e.totp.VerifyCode(key, code)
	if err != nil {
		return "", err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, sess.UserID, ErrIncorrectCode, func() map[string]string {
			return map[string]string{"phase": "setup"}
		})
		return "", ErrIncorrectCode
	}

	recovery, err := internal.NewRecoveryCode()
	if err != nil {
		return "", err
	}

	if err := e.userProvider.SetTOTPKey(ctx, sess.UserID, key); err != nil {
		return "", mapStoreErr(err)
	}
	if err := e.userProvider.SetRecoveryCodeHash(ctx, sess.UserID, internal.HashCode(internal.CanonicalizeCode(recovery))); err != nil {
		return "", mapStoreErr(err)
	}

	// The enrolling session just proved possession of the factor.
	// Already-verified only happens on re-enrollment and is fine.
	if err := e.sessionStore.SetTwoFactorVerified(ctx, sess.Digest); err != nil && !errors.Is(err, session.ErrAlreadyVerified) {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotAuthenticated
		}
		return "", mapStoreErr(err)
	}

	e.totpSetupBucket.Reset(sess.UserID)

	e.metricInc(MetricTOTPEnabled)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, sess.UserID, nil, nil)

	return recovery, nil
}

// VerifyTOTP clears the two-factor gate on the calling session. The flag is
// one-way; verifying an already-verified session fails with
// ErrSecondFactorAlreadyVerified.
func (e *Engine) VerifyTOTP(ctx context.Context, token, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}

	sess, user, err := e.requireSession(ctx, token)
	if err != nil {
		return err
	}
	if !user.SecondFactorRegistered {
		return ErrSecondFactorNotSet
	}
	if sess.TwoFactorVerified {
		return ErrSecondFactorAlreadyVerified
	}

	if !e.twoFactorBucket.Check(sess.UserID, 1) {
		e.emitRateLimit(ctx, "totp_challenge", sess.UserID)
		return ErrRateLimited
	}

	if code == "" {
		return ErrInvalidInput
	}

	if !e.twoFactorBucket.Consume(sess.UserID, 1) {
		e.emitRateLimit(ctx, "totp_challenge", sess.UserID)
		return ErrRateLimited
	}

	key, err := e.userProvider.GetTOTPKey(ctx, sess.UserID)
	if err != nil {
		return mapStoreErr(err)
	}
	if len(key) == 0 {
		// Provider reported a registered second factor but holds no key.
		// Treat as unenrolled rather than surfacing an internal error.
		return ErrSecondFactorNotSet
	}

	ok, err := e.totp.VerifyCode(key, code)
	if err != nil {
		return err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, sess.UserID, ErrIncorrectCode, func() map[string]string {
			return map[string]string{"phase": "challenge"}
		})
		return ErrIncorrectCode
	}

	if err := e.sessionStore.SetTwoFactorVerified(ctx, sess.Digest); err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyVerified):
			return ErrSecondFactorAlreadyVerified
		case errors.Is(err, redis.Nil):
			// Session vanished mid-flow.
			return ErrNotAuthenticated
		}
		return mapStoreErr(err)
	}
	e.twoFactorBucket.Reset(sess.UserID)

	e.metricInc(MetricTOTPSuccess)
	e.emitAudit(ctx, auditEventTOTPSuccess, true, sess.UserID, nil, nil)
	return nil
}

// checkSetupAllowed gates enrollment: the address must be verified first, and
// an account that already has a second factor only re-enrolls from a session
// that has cleared it.
func (e *Engine) checkSetupAllowed(user User, twoFactorVerified bool) error {
	if !user.EmailVerified {
		return ErrForbidden
	}
	if !secondFactorSatisfied(user.SecondFactorRegistered, twoFactorVerified) {
		return ErrForbidden
	}
	return nil
}
