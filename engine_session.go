package authcore

import (
	"context"
)

// ValidateSessionToken resolves an opaque token to its session and user.
// Sessions in the renewal window are silently extended to a full lifetime.
//
// This does not enforce the sign-in maturity order; callers gate their own
// routes with [RequiredStep] on the returned pair.
func (e *Engine) ValidateSessionToken(ctx context.Context, token string) (*SessionValidation, error) {
	if e == nil || e.sessionStore == nil || e.userProvider == nil {
		return nil, ErrEngineNotReady
	}

	sess, user, err := e.requireSession(ctx, token)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSessionValidated)
	return &SessionValidation{Session: sess, User: user}, nil
}

// NextStep is a convenience over [ValidateSessionToken] that also computes
// the next unmet sign-in gate.
func (e *Engine) NextStep(ctx context.Context, token string) (Step, error) {
	v, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return StepNone, err
	}
	return RequiredStep(v.User, v.Session), nil
}
