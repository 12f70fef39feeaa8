package authcore

import (
	"context"

	"github.com/tidegate/authcore/internal"
)

// UseRecoveryCode burns the account's recovery code to tear down a lost
// second factor. Only a session that has NOT cleared two-factor may use it;
// an authenticated-and-verified session has no business holding the code.
//
// On success the TOTP key is removed, every session of the user loses its
// two-factor flag, and a replacement recovery code is returned exactly once.
// The provider's compare-and-swap guarantees that two concurrent submissions
// of the same code cannot both win.
func (e *Engine) UseRecoveryCode(ctx context.Context, token, code string) (newRecoveryCode string, err error) {
	if e == nil || e.userProvider == nil {
		return "", ErrEngineNotReady
	}

	sess, user, err := e.requireSession(ctx, token)
	if err != nil {
		return "", err
	}
	if !user.SecondFactorRegistered {
		return "", ErrSecondFactorNotSet
	}
	if sess.TwoFactorVerified {
		return "", ErrSecondFactorAlreadyVerified
	}

	if !e.recoveryBucket.Check(sess.UserID, 1) {
		e.emitRateLimit(ctx, "recovery_code", sess.UserID)
		return "", ErrRateLimited
	}

	code = internal.CanonicalizeCode(code)
	if code == "" {
		return "", ErrInvalidInput
	}

	if !e.recoveryBucket.Consume(sess.UserID, 1) {
		e.emitRateLimit(ctx, "recovery_code", sess.UserID)
		return "", ErrRateLimited
	}

	replacement, err := internal.NewRecoveryCode()
	if err != nil {
		return "", err
	}

	swapped, err := e.userProvider.ResetSecondFactorWithRecoveryCode(
		ctx,
		sess.UserID,
		internal.HashCode(code),
		internal.HashCode(internal.CanonicalizeCode(replacement)),
	)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if !swapped {
		e.metricInc(MetricRecoveryCodeFailed)
		e.emitAudit(ctx, auditEventRecoveryCodeFailed, false, sess.UserID, ErrIncorrectCode, nil)
		return "", ErrIncorrectCode
	}

	// The factor is gone; no session may keep claiming it was verified.
	if err := e.sessionStore.ClearTwoFactorForUser(ctx, sess.UserID); err != nil {
		return "", mapStoreErr(err)
	}
	e.recoveryBucket.Reset(sess.UserID)

	e.metricInc(MetricRecoveryCodeUsed)
	e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, sess.UserID, nil, nil)

	return replacement, nil
}
