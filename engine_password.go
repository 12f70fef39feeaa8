package authcore

import (
	"context"
)

// UpdatePassword changes the password of a fully signed-in user. Every
// session of the user is invalidated, pending password resets die with them,
// and a replacement session is minted for the caller. The replacement keeps
// the calling session's two-factor standing so the user is not bounced
// through the challenge they just passed.
//
// Attempts are limited per calling session, not per account, so one stolen
// token cannot exhaust the account's budget from elsewhere.
func (e *Engine) UpdatePassword(ctx context.Context, token, currentPassword, newPassword string) (*LoginResult, error) {
	if e == nil || e.userProvider == nil {
		return nil, ErrEngineNotReady
	}

	sess, user, err := e.requireSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if RequiredStep(user, sess) != StepNone {
		return nil, ErrForbidden
	}

	if !e.passwordUpdateBucket.Check(sess.Digest, 1) {
		e.emitRateLimit(ctx, "password_update", sess.UserID)
		return nil, ErrRateLimited
	}

	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return nil, err
	}

	if !e.passwordUpdateBucket.Consume(sess.Digest, 1) {
		e.emitRateLimit(ctx, "password_update", sess.UserID)
		return nil, ErrRateLimited
	}

	ok, err := e.passwordHash.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !ok {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailed, false, sess.UserID, ErrIncorrectPassword, nil)
		return nil, ErrIncorrectPassword
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return nil, err
	}
	if err := e.userProvider.UpdatePasswordHash(ctx, sess.UserID, newHash); err != nil {
		return nil, mapStoreErr(err)
	}

	// A changed password orphans every credential derived from the old one.
	if err := e.sessionStore.DeleteAllForUser(ctx, sess.UserID); err != nil {
		return nil, mapStoreErr(err)
	}
	if err := e.resetStore.DeleteAllForUser(ctx, sess.UserID); err != nil {
		return nil, mapStoreErr(err)
	}
	e.metricInc(MetricSessionInvalidated)
	e.passwordUpdateBucket.Reset(sess.Digest)

	flags := SessionFlags{TwoFactorVerified: sess.TwoFactorVerified}
	newToken, newSess, err := e.createSession(ctx, sess.UserID, flags)
	if err != nil {
		return nil, err
	}

	user.PasswordHash = newHash

	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChanged, true, sess.UserID, nil, nil)

	return &LoginResult{Token: newToken, Session: newSess, User: user}, nil
}

// checkPasswordPolicy enforces the configured length bounds. Bytes, not
// runes: Argon2 sees bytes and so does the policy.
func (e *Engine) checkPasswordPolicy(password string) error {
	if len(password) > e.config.Password.MaxLength {
		return ErrInvalidInput
	}
	if len(password) < e.config.Password.MinLength {
		return ErrWeakPassword
	}
	return nil
}
