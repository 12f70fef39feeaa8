package authcore

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tidegate/authcore/internal"
	"github.com/tidegate/authcore/session"
)

// Login authenticates an email/password pair and mints a fresh session. The
// returned token is opaque and never stored; losing it means logging in again.
//
// A fresh session always starts without the two-factor flag, regardless of
// whether the account has TOTP enrolled.
func (e *Engine) Login(ctx context.Context, email, passwordPlain string) (*LoginResult, error) {
	if e == nil || e.userProvider == nil {
		return nil, ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)
	if ip == "" {
		log.Print("authcore: login without client IP bypasses per-IP limiter")
	} else if !e.loginIPBucket.Check(ip, 1) {
		e.metricInc(MetricLoginThrottled)
		e.emitRateLimit(ctx, "login_ip", "")
		return nil, ErrRateLimited
	}

	email = canonicalEmail(email)
	if email == "" || passwordPlain == "" {
		return nil, ErrInvalidInput
	}

	user, err := e.userProvider.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrProviderUserNotFound) {
			if ip != "" {
				e.loginIPBucket.Consume(ip, 1)
			}
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", ErrAccountNotFound, func() map[string]string {
				return map[string]string{"email": email}
			})
			return nil, ErrAccountNotFound
		}
		return nil, mapStoreErr(err)
	}

	// Both limiter tiers charge before the expensive hash verify. The
	// throttler escalates on every attempt and is reset only by success.
	if ip != "" && !e.loginIPBucket.Consume(ip, 1) {
		e.metricInc(MetricLoginThrottled)
		e.emitRateLimit(ctx, "login_ip", user.ID)
		return nil, ErrRateLimited
	}
	if !e.loginThrottle.Consume(user.ID) {
		e.metricInc(MetricLoginThrottled)
		e.emitRateLimit(ctx, "login_account", user.ID)
		return nil, ErrRateLimited
	}

	ok, err := e.passwordHash.Verify(passwordPlain, user.PasswordHash)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !ok {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, ErrIncorrectPassword, nil)
		return nil, ErrIncorrectPassword
	}

	e.loginThrottle.Reset(user.ID)

	token, sess, err := e.createSession(ctx, user.ID, SessionFlags{})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, nil, nil)

	return &LoginResult{Token: token, Session: sess, User: user}, nil
}

// Logout deletes the session behind token. Unknown tokens are a no-op so the
// call is idempotent and leaks nothing.
func (e *Engine) Logout(ctx context.Context, token string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}

	digest := internal.TokenDigest(token)
	if err := e.sessionStore.Delete(ctx, digest); err != nil {
		return mapStoreErr(err)
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, "", nil, nil)
	return nil
}

// LogoutAll deletes every session of the user behind token, including the
// calling one.
func (e *Engine) LogoutAll(ctx context.Context, token string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}

	sess, _, err := e.requireSession(ctx, token)
	if err != nil {
		return err
	}

	if err := e.sessionStore.DeleteAllForUser(ctx, sess.UserID); err != nil {
		return mapStoreErr(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, sess.UserID, nil, nil)
	return nil
}

// InvalidateUserSessions force-logs-out a user everywhere. Intended for
// administrative use; it takes a user ID, not a token.
func (e *Engine) InvalidateUserSessions(ctx context.Context, userID string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}
	if userID == "" {
		return ErrInvalidInput
	}

	if err := e.sessionStore.DeleteAllForUser(ctx, userID); err != nil {
		return mapStoreErr(err)
	}

	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, nil, nil)
	return nil
}

// createSession mints a token, stores its digest-keyed session, and returns
// both. The raw token exists only in the return value.
func (e *Engine) createSession(ctx context.Context, userID string, flags SessionFlags) (string, session.Session, error) {
	token, err := internal.NewSessionToken()
	if err != nil {
		return "", session.Session{}, err
	}

	now := e.now()
	sess := session.Session{
		Digest:            internal.TokenDigest(token),
		UserID:            userID,
		TwoFactorVerified: flags.TwoFactorVerified,
		CreatedAt:         now.Unix(),
		ExpiresAt:         now.Add(e.config.Session.Lifetime).Unix(),
	}

	if err := e.sessionStore.Save(ctx, &sess); err != nil {
		return "", session.Session{}, mapStoreErr(err)
	}

	e.metricInc(MetricSessionCreated)
	return token, sess, nil
}

// requireSession resolves token to a live session and its user. Unknown,
// tampered, and expired tokens all come back as ErrNotAuthenticated.
func (e *Engine) requireSession(ctx context.Context, token string) (session.Session, User, error) {
	if token == "" {
		return session.Session{}, User{}, ErrNotAuthenticated
	}

	sess, err := e.sessionStore.Get(ctx, internal.TokenDigest(token))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.Session{}, User{}, ErrNotAuthenticated
		}
		return session.Session{}, User{}, mapStoreErr(err)
	}

	user, err := e.userProvider.GetUserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrProviderUserNotFound) {
			// Account deleted out from under the session.
			_ = e.sessionStore.Delete(ctx, sess.Digest)
			return session.Session{}, User{}, ErrNotAuthenticated
		}
		return session.Session{}, User{}, mapStoreErr(err)
	}

	return *sess, user, nil
}

func canonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validEmail is a cheap shape check. Real deliverability is proven by the
// verification code, not by parsing.
func validEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
