package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	auditEventLoginSuccess            = "login_success"
	auditEventLoginFailure            = "login_failure"
	auditEventLoginRateLimited        = "login_rate_limited"
	auditEventLogoutSession           = "logout_session"
	auditEventLogoutAll               = "logout_all"
	auditEventEmailVerificationIssued = "email_verification_issued"
	auditEventEmailVerified           = "email_verified"
	auditEventEmailVerificationFailed = "email_verification_failed"
	auditEventTOTPSetupRequested      = "totp_setup_requested"
	auditEventTOTPEnabled             = "totp_enabled"
	auditEventTOTPSuccess             = "totp_success"
	auditEventTOTPFailure             = "totp_failure"
	auditEventRecoveryCodeUsed        = "recovery_code_used"
	auditEventRecoveryCodeFailed      = "recovery_code_failed"
	auditEventPasswordChanged         = "password_changed"
	auditEventPasswordChangeFailed    = "password_change_failed"
	auditEventResetRequested          = "password_reset_requested"
	auditEventResetEmailVerified      = "password_reset_email_verified"
	auditEventResetSecondFactorOK     = "password_reset_second_factor_ok"
	auditEventResetCompleted          = "password_reset_completed"
	auditEventResetFailed             = "password_reset_failed"
	auditEventRateLimitTriggered      = "rate_limit_triggered"
)

// AuditErrorCode is the stable failure classification carried in
// [AuditEvent.Error].
type AuditErrorCode string

const (
	auditErrRateLimited      AuditErrorCode = "rate_limited"
	auditErrNotAuthenticated AuditErrorCode = "not_authenticated"
	auditErrForbidden        AuditErrorCode = "forbidden"
	auditErrInvalidInput     AuditErrorCode = "invalid_input"
	auditErrWeakPassword     AuditErrorCode = "weak_password"
	auditErrUserNotFound     AuditErrorCode = "user_not_found"
	auditErrBadPassword      AuditErrorCode = "incorrect_password"
	auditErrBadCode          AuditErrorCode = "incorrect_code"
	auditErrNoSecondFactor   AuditErrorCode = "second_factor_not_set"
	auditErrUnavailable      AuditErrorCode = "backend_unavailable"
	auditErrInternal         AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope, userID string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, userID, ErrRateLimited, func() map[string]string {
		return map[string]string{"scope": scope}
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrNotAuthenticated):
		return auditErrNotAuthenticated
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrSecondFactorAlreadyVerified):
		return auditErrForbidden
	case errors.Is(err, ErrWeakPassword):
		return auditErrWeakPassword
	case errors.Is(err, ErrInvalidInput):
		return auditErrInvalidInput
	case errors.Is(err, ErrAccountNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrIncorrectPassword):
		return auditErrBadPassword
	case errors.Is(err, ErrIncorrectCode):
		return auditErrBadCode
	case errors.Is(err, ErrSecondFactorNotSet):
		return auditErrNoSecondFactor
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
