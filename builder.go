package authcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidegate/authcore/internal/rate"
	"github.com/tidegate/authcore/password"
	"github.com/tidegate/authcore/session"
)

// Builder assembles an [Engine]. A Builder is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userProvider UserProvider
	auditSink    AuditSink

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the Redis client backing sessions, verification requests,
// and reset sessions.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider connects the engine to the caller's user database.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithAuditSink enables audit dispatch to the given sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithClock overrides the engine's time source. Tests use this to drive
// limiter refills and expiries deterministically.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.config.Clock = now
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	hasher, err := password.NewHasher(password.Params{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	rl := cfg.RateLimit

	e := &Engine{
		config: cfg,
		now:    now,

		sessionStore: session.NewStore(
			b.redis,
			cfg.Session.Lifetime,
			cfg.Session.RenewalWindow,
			now,
		),
		verificationStore: newEmailVerificationStore(b.redis, now),
		resetStore:        newPasswordResetStore(b.redis, now),

		globalBucket:         rate.NewRefillingBucket(rl.GlobalBurst, rl.GlobalRefillInterval, rate.Clock(now)),
		loginIPBucket:        rate.NewRefillingBucket(rl.LoginBurst, rl.LoginRefillInterval, rate.Clock(now)),
		loginThrottle:        rate.NewThrottler(rl.LoginTimeouts, rate.Clock(now)),
		verificationBucket:   rate.NewExpiringBucket(rl.EmailVerificationMaxAttempts, rl.EmailVerificationWindow, rate.Clock(now)),
		twoFactorBucket:      rate.NewExpiringBucket(rl.TwoFactorMaxAttempts, rl.TwoFactorWindow, rate.Clock(now)),
		recoveryBucket:       rate.NewExpiringBucket(rl.RecoveryMaxAttempts, rl.RecoveryWindow, rate.Clock(now)),
		passwordUpdateBucket: rate.NewExpiringBucket(rl.PasswordUpdateMaxAttempts, rl.PasswordUpdateWindow, rate.Clock(now)),
		totpSetupBucket:      rate.NewExpiringBucket(rl.TOTPSetupMaxAttempts, rl.TOTPSetupWindow, rate.Clock(now)),
		resetMailIPBucket:    rate.NewExpiringBucket(rl.ResetMailMaxSends, rl.ResetMailWindow, rate.Clock(now)),
		resetMailUserBucket:  rate.NewExpiringBucket(rl.ResetMailMaxSends, rl.ResetMailWindow, rate.Clock(now)),

		audit:        newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:      NewMetrics(cfg.Metrics),
		passwordHash: hasher,
		totp:         newTOTPManager(cfg.TOTP, now),
		userProvider: b.userProvider,
	}

	e.sessionStore.OnRenew(func() { e.metricInc(MetricSessionRenewed) })

	if rl.SweepInterval > 0 {
		e.janitor = rate.NewJanitor(
			rl.SweepInterval,
			e.globalBucket,
			e.loginIPBucket,
			e.loginThrottle,
			e.verificationBucket,
			e.twoFactorBucket,
			e.recoveryBucket,
			e.passwordUpdateBucket,
			e.totpSetupBucket,
			e.resetMailIPBucket,
			e.resetMailUserBucket,
		)
	}

	b.built = true
	return e, nil
}
