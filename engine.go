package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidegate/authcore/internal/rate"
	"github.com/tidegate/authcore/password"
	"github.com/tidegate/authcore/session"
)

// Engine is the authentication core. Build one with [New]; a built Engine is
// immutable and safe for concurrent use.
type Engine struct {
	config Config
	now    func() time.Time

	sessionStore      *session.Store
	verificationStore *emailVerificationStore
	resetStore        *passwordResetStore

	globalBucket         *rate.RefillingBucket
	loginIPBucket        *rate.RefillingBucket
	loginThrottle        *rate.Throttler
	verificationBucket   *rate.ExpiringBucket
	twoFactorBucket      *rate.ExpiringBucket
	recoveryBucket       *rate.ExpiringBucket
	passwordUpdateBucket *rate.ExpiringBucket
	totpSetupBucket      *rate.ExpiringBucket
	resetMailIPBucket    *rate.ExpiringBucket
	resetMailUserBucket  *rate.ExpiringBucket

	janitor *rate.Janitor

	audit        *auditDispatcher
	metrics      *Metrics
	passwordHash *password.Hasher
	totp         *totpManager
	userProvider UserProvider
}

// Close stops the janitor and drains the audit dispatcher. The Engine must
// not be used after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.janitor != nil {
		e.janitor.Stop()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded under load.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all engine counters.
func (e *Engine) MetricsSnapshot() map[MetricID]uint64 {
	if e == nil || e.metrics == nil {
		return map[MetricID]uint64{}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// AllowRequest is the process-wide front gate: one call per inbound request,
// charged against the caller IP's global bucket. write selects the higher
// write cost. Requests with no IP in the context are allowed and logged; a
// proxy misconfiguration must not take the whole surface down.
func (e *Engine) AllowRequest(ctx context.Context, write bool) error {
	if e == nil {
		return ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)
	if ip == "" {
		log.Print("authcore: request without client IP bypasses global limiter")
		return nil
	}

	cost := e.config.RateLimit.ReadCost
	if write {
		cost = e.config.RateLimit.WriteCost
	}

	if !e.globalBucket.Consume(ip, cost) {
		e.emitRateLimit(ctx, "global", "")
		return ErrRateLimited
	}
	return nil
}

// Ping checks Redis availability through the session store.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}
	latency, err := e.sessionStore.Ping(ctx)
	if err != nil {
		return latency, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return latency, nil
}

// mapStoreErr folds backend failures into ErrStoreUnavailable while letting
// absence sentinels pass through untouched.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil),
		errors.Is(err, errVerificationNotFound),
		errors.Is(err, errResetNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
