package authcore

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/tidegate/authcore/internal"
)

// RequestEmailVerification issues a verification code for the session's user.
// newEmail, when non-empty, starts verification of an address change; the
// account keeps its old address until the code is confirmed. Issuing replaces
// any previously outstanding code.
//
// The engine never sends mail: the caller delivers Issue.Code to Issue.Email.
func (e *Engine) RequestEmailVerification(ctx context.Context, token, newEmail string) (*EmailVerificationIssue, error) {
	if e == nil || e.verificationStore == nil {
		return nil, ErrEngineNotReady
	}

	sess, user, err := e.requireSession(ctx, token)
	if err != nil {
		return nil, err
	}

	if !e.verificationBucket.Check(sess.UserID, 1) {
		e.emitRateLimit(ctx, "email_verification", sess.UserID)
		return nil, ErrRateLimited
	}

	email := canonicalEmail(newEmail)
	if email == "" {
		email = canonicalEmail(user.Email)
	}
	if !validEmail(email) {
		return nil, ErrInvalidInput
	}
	if user.EmailVerified && email == canonicalEmail(user.Email) {
		// Nothing to verify for the address already on file.
		return nil, ErrForbidden
	}

	if !e.verificationBucket.Consume(sess.UserID, 1) {
		e.emitRateLimit(ctx, "email_verification", sess.UserID)
		return nil, ErrRateLimited
	}

	issue, err := e.issueVerification(ctx, sess.UserID, email)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricEmailVerificationIssued)
	e.emitAudit(ctx, auditEventEmailVerificationIssued, true, sess.UserID, nil, func() map[string]string {
		return map[string]string{"email": email}
	})

	return issue, nil
}

// VerifyEmail confirms the outstanding verification code for the session's
// user. On success the provider stores the verified address and every pending
// password reset for the account is invalidated.
//
// A code submitted after its expiry is neither success nor failure: a
// replacement is issued and returned in Outcome.Reissued for the caller to
// deliver.
func (e *Engine) VerifyEmail(ctx context.Context, token, code string) (*EmailVerificationOutcome, error) {
	if e == nil || e.verificationStore == nil {
		return nil, ErrEngineNotReady
	}

	sess, _, err := e.requireSession(ctx, token)
	if err != nil {
		return nil, err
	}

	if !e.verificationBucket.Check(sess.UserID, 1) {
		e.emitRateLimit(ctx, "email_verification", sess.UserID)
		return nil, ErrRateLimited
	}

	code = internal.CanonicalizeCode(code)
	if code == "" {
		return nil, ErrInvalidInput
	}

	record, expired, err := e.verificationStore.Get(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, errVerificationNotFound) {
			// No outstanding request to verify against.
			return nil, ErrForbidden
		}
		return nil, mapStoreErr(err)
	}

	if expired {
		issue, err := e.issueVerification(ctx, sess.UserID, record.Email)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricEmailVerificationIssued)
		e.emitAudit(ctx, auditEventEmailVerificationIssued, true, sess.UserID, nil, func() map[string]string {
			return map[string]string{"email": record.Email, "reason": "expired"}
		})
		return &EmailVerificationOutcome{Resent: true, Reissued: issue}, nil
	}

	if !e.verificationBucket.Consume(sess.UserID, 1) {
		e.emitRateLimit(ctx, "email_verification", sess.UserID)
		return nil, ErrRateLimited
	}

	submitted := internal.HashCode(code)
	if subtle.ConstantTimeCompare(submitted[:], record.CodeHash[:]) != 1 {
		e.metricInc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEventEmailVerificationFailed, false, sess.UserID, ErrIncorrectCode, nil)
		return nil, ErrIncorrectCode
	}

	if err := e.userProvider.SetEmailVerified(ctx, sess.UserID, record.Email); err != nil {
		return nil, mapStoreErr(err)
	}
	if err := e.verificationStore.Delete(ctx, sess.UserID); err != nil {
		return nil, mapStoreErr(err)
	}
	// A verified mailbox retires any reset flow that was mailed to the old
	// or unproven address.
	if err := e.resetStore.DeleteAllForUser(ctx, sess.UserID); err != nil {
		return nil, mapStoreErr(err)
	}
	e.verificationBucket.Reset(sess.UserID)

	e.metricInc(MetricEmailVerificationSuccess)
	e.emitAudit(ctx, auditEventEmailVerified, true, sess.UserID, nil, func() map[string]string {
		return map[string]string{"email": record.Email}
	})

	return &EmailVerificationOutcome{Verified: true}, nil
}

func (e *Engine) issueVerification(ctx context.Context, userID, email string) (*EmailVerificationIssue, error) {
	code, err := internal.NewNumericCode(e.config.EmailVerification.CodeLength)
	if err != nil {
		return nil, err
	}

	expiresAt := e.now().Add(e.config.EmailVerification.TTL).Unix()
	record := &emailVerificationRecord{
		Email:     email,
		CodeHash:  internal.HashCode(internal.CanonicalizeCode(code)),
		ExpiresAt: expiresAt,
	}
	if err := e.verificationStore.Save(ctx, userID, record); err != nil {
		return nil, mapStoreErr(err)
	}

	return &EmailVerificationIssue{Email: email, Code: code, ExpiresAt: expiresAt}, nil
}
