package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"

	"github.com/tidegate/authcore/internal"
)

// ForgotPassword opens a password reset session for the account behind
// email and returns the material the caller mails out: an opaque reset token
// (the link) and a short code (the challenge typed on the reset page).
//
// For an unknown address the call returns (nil, nil) after charging the same
// limiters, so callers cannot tell which addresses exist; the application
// simply has no mail to send.
func (e *Engine) ForgotPassword(ctx context.Context, email string) (*PasswordResetIssue, error) {
	if e == nil || e.resetStore == nil {
		return nil, ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)
	if ip == "" {
		log.Print("authcore: forgot-password without client IP bypasses per-IP limiter")
	} else if !e.resetMailIPBucket.Check(ip, 1) {
		e.emitRateLimit(ctx, "reset_mail_ip", "")
		return nil, ErrRateLimited
	}

	email = canonicalEmail(email)
	if !validEmail(email) {
		return nil, ErrInvalidInput
	}

	if ip != "" && !e.resetMailIPBucket.Consume(ip, 1) {
		e.emitRateLimit(ctx, "reset_mail_ip", "")
		return nil, ErrRateLimited
	}

	user, err := e.userProvider.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrProviderUserNotFound) {
			return nil, nil
		}
		return nil, mapStoreErr(err)
	}

	if !e.resetMailUserBucket.Consume(user.ID, 1) {
		e.emitRateLimit(ctx, "reset_mail_user", user.ID)
		return nil, ErrRateLimited
	}

	resetToken, err := internal.NewSessionToken()
	if err != nil {
		return nil, err
	}
	code, err := internal.NewNumericCode(e.config.PasswordReset.CodeLength)
	if err != nil {
		return nil, err
	}

	expiresAt := e.now().Add(e.config.PasswordReset.TTL).Unix()
	record := &passwordResetRecord{
		UserID:    user.ID,
		Email:     email,
		CodeHash:  internal.HashCode(internal.CanonicalizeCode(code)),
		ExpiresAt: expiresAt,
	}
	if err := e.resetStore.Save(ctx, internal.TokenDigest(resetToken), record); err != nil {
		return nil, mapStoreErr(err)
	}

	e.metricInc(MetricPasswordResetRequested)
	e.emitAudit(ctx, auditEventResetRequested, true, user.ID, nil, nil)

	return &PasswordResetIssue{
		Token:     resetToken,
		Email:     email,
		Code:      code,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyPasswordResetEmail clears the reset session's first checkpoint by
// confirming the mailed code, proving control of the inbox.
func (e *Engine) VerifyPasswordResetEmail(ctx context.Context, resetToken, code string) error {
	if e == nil || e.resetStore == nil {
		return ErrEngineNotReady
	}

	digest, record, err := e.requireResetSession(ctx, resetToken)
	if err != nil {
		return err
	}

	if !e.verificationBucket.Check(record.UserID, 1) {
		e.emitRateLimit(ctx, "reset_email", record.UserID)
		return ErrRateLimited
	}

	code = internal.CanonicalizeCode(code)
	if code == "" {
		return ErrInvalidInput
	}

	if !e.verificationBucket.Consume(record.UserID, 1) {
		e.emitRateLimit(ctx, "reset_email", record.UserID)
		return ErrRateLimited
	}

	submitted := internal.HashCode(code)
	if subtle.ConstantTimeCompare(submitted[:], record.CodeHash[:]) != 1 {
		e.metricInc(MetricPasswordResetFailed)
		e.emitAudit(ctx, auditEventResetFailed, false, record.UserID, ErrIncorrectCode, func() map[string]string {
			return map[string]string{"checkpoint": "email"}
		})
		return ErrIncorrectCode
	}

	if _, err := e.resetStore.SetEmailVerified(ctx, digest); err != nil {
		return e.mapResetErr(err)
	}
	e.verificationBucket.Reset(record.UserID)

	e.emitAudit(ctx, auditEventResetEmailVerified, true, record.UserID, nil, nil)
	return nil
}

// VerifyPasswordResetTOTP clears the reset session's second checkpoint with
// an authenticator code. Accounts without a second factor skip this step
// entirely; the email checkpoint must already be cleared.
func (e *Engine) VerifyPasswordResetTOTP(ctx context.Context, resetToken, code string) error {
	if e == nil || e.resetStore == nil {
		return ErrEngineNotReady
	}

	digest, record, err := e.requireResetSession(ctx, resetToken)
	if err != nil {
		return err
	}
	if !record.EmailVerified {
		return ErrForbidden
	}

	user, err := e.userProvider.GetUserByID(ctx, record.UserID)
	if err != nil {
		return e.mapProviderErr(err)
	}
	if !user.SecondFactorRegistered {
		return ErrSecondFactorNotSet
	}

	if !e.twoFactorBucket.Check(record.UserID, 1) {
		e.emitRateLimit(ctx, "reset_totp", record.UserID)
		return ErrRateLimited
	}
	if code == "" {
		return ErrInvalidInput
	}
	if !e.twoFactorBucket.Consume(record.UserID, 1) {
		e.emitRateLimit(ctx, "reset_totp", record.UserID)
		return ErrRateLimited
	}

	key, err := e.userProvider.GetTOTPKey(ctx, record.UserID)
	if err != nil {
		return e.mapProviderErr(err)
	}
	if len(key) == 0 {
		// Registered flag without a stored key; treat as unenrolled.
		return ErrSecondFactorNotSet
	}
	ok, err := e.totp.VerifyCode(key, code)
	if err != nil {
		return err
	}
	if !ok {
		e.metricInc(MetricPasswordResetFailed)
		e.emitAudit(ctx, auditEventResetFailed, false, record.UserID, ErrIncorrectCode, func() map[string]string {
			return map[string]string{"checkpoint": "totp"}
		})
		return ErrIncorrectCode
	}

	if _, err := e.resetStore.SetSecondFactorVerified(ctx, digest); err != nil {
		return e.mapResetErr(err)
	}
	e.twoFactorBucket.Reset(record.UserID)

	e.emitAudit(ctx, auditEventResetSecondFactorOK, true, record.UserID, nil, nil)
	return nil
}

// UsePasswordResetRecoveryCode clears the reset session's second checkpoint
// with the account's recovery code for users who lost their authenticator.
// As everywhere, burning the code tears down the second factor account-wide
// and hands back a one-time replacement.
func (e *Engine) UsePasswordResetRecoveryCode(ctx context.Context, resetToken, code string) (newRecoveryCode string, err error) {
	if e == nil || e.resetStore == nil {
		return "", ErrEngineNotReady
	}

	digest, record, err := e.requireResetSession(ctx, resetToken)
	if err != nil {
		return "", err
	}
	if !record.EmailVerified {
		return "", ErrForbidden
	}

	user, err := e.userProvider.GetUserByID(ctx, record.UserID)
	if err != nil {
		return "", e.mapProviderErr(err)
	}
	if !user.SecondFactorRegistered {
		return "", ErrSecondFactorNotSet
	}

	if !e.recoveryBucket.Check(record.UserID, 1) {
		e.emitRateLimit(ctx, "reset_recovery", record.UserID)
		return "", ErrRateLimited
	}

	code = internal.CanonicalizeCode(code)
	if code == "" {
		return "", ErrInvalidInput
	}

	if !e.recoveryBucket.Consume(record.UserID, 1) {
		e.emitRateLimit(ctx, "reset_recovery", record.UserID)
		return "", ErrRateLimited
	}

	replacement, err := internal.NewRecoveryCode()
	if err != nil {
		return "", err
	}

	swapped, err := e.userProvider.ResetSecondFactorWithRecoveryCode(
		ctx,
		record.UserID,
		internal.HashCode(code),
		internal.HashCode(internal.CanonicalizeCode(replacement)),
	)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if !swapped {
		e.metricInc(MetricRecoveryCodeFailed)
		e.emitAudit(ctx, auditEventRecoveryCodeFailed, false, record.UserID, ErrIncorrectCode, func() map[string]string {
			return map[string]string{"flow": "reset"}
		})
		return "", ErrIncorrectCode
	}

	if err := e.sessionStore.ClearTwoFactorForUser(ctx, record.UserID); err != nil {
		return "", mapStoreErr(err)
	}
	if _, err := e.resetStore.SetSecondFactorVerified(ctx, digest); err != nil {
		return "", e.mapResetErr(err)
	}
	e.recoveryBucket.Reset(record.UserID)

	e.metricInc(MetricRecoveryCodeUsed)
	e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, record.UserID, nil, func() map[string]string {
		return map[string]string{"flow": "reset"}
	})

	return replacement, nil
}

// CompletePasswordReset sets the new password once every required checkpoint
// is cleared: email always, second factor only when the account has one. All
// sessions and reset sessions of the user are destroyed and a fresh, fully
// signed-in session is returned.
func (e *Engine) CompletePasswordReset(ctx context.Context, resetToken, newPassword string) (*LoginResult, error) {
	if e == nil || e.resetStore == nil {
		return nil, ErrEngineNotReady
	}

	_, record, err := e.requireResetSession(ctx, resetToken)
	if err != nil {
		return nil, err
	}
	if !record.EmailVerified {
		return nil, ErrForbidden
	}

	user, err := e.userProvider.GetUserByID(ctx, record.UserID)
	if err != nil {
		return nil, e.mapProviderErr(err)
	}
	if !secondFactorSatisfied(user.SecondFactorRegistered, record.SecondFactorVerified) {
		return nil, ErrForbidden
	}

	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return nil, err
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return nil, err
	}
	if err := e.userProvider.UpdatePasswordHash(ctx, record.UserID, newHash); err != nil {
		return nil, mapStoreErr(err)
	}

	if err := e.sessionStore.DeleteAllForUser(ctx, record.UserID); err != nil {
		return nil, mapStoreErr(err)
	}
	if err := e.resetStore.DeleteAllForUser(ctx, record.UserID); err != nil {
		return nil, mapStoreErr(err)
	}
	e.metricInc(MetricSessionInvalidated)

	// The reset already proved the factors it demanded; carry that standing
	// into the replacement session.
	flags := SessionFlags{TwoFactorVerified: record.SecondFactorVerified}
	newToken, newSess, err := e.createSession(ctx, record.UserID, flags)
	if err != nil {
		return nil, err
	}

	user.PasswordHash = newHash

	e.metricInc(MetricPasswordResetCompleted)
	e.emitAudit(ctx, auditEventResetCompleted, true, record.UserID, nil, nil)

	return &LoginResult{Token: newToken, Session: newSess, User: user}, nil
}

// requireResetSession resolves a reset token. Unknown, tampered, and expired
// tokens are all ErrNotAuthenticated.
func (e *Engine) requireResetSession(ctx context.Context, resetToken string) (string, *passwordResetRecord, error) {
	if resetToken == "" {
		return "", nil, ErrNotAuthenticated
	}

	digest := internal.TokenDigest(resetToken)
	record, err := e.resetStore.Get(ctx, digest)
	if err != nil {
		if errors.Is(err, errResetNotFound) {
			return "", nil, ErrNotAuthenticated
		}
		return "", nil, mapStoreErr(err)
	}
	return digest, record, nil
}

func (e *Engine) mapResetErr(err error) error {
	if errors.Is(err, errResetNotFound) {
		return ErrNotAuthenticated
	}
	return mapStoreErr(err)
}

func (e *Engine) mapProviderErr(err error) error {
	if errors.Is(err, ErrProviderUserNotFound) {
		return ErrNotAuthenticated
	}
	return mapStoreErr(err)
}
