package authcore

import (
	"errors"
	"time"
)

// Config carries every tunable of the engine. Values are fixed at Build time;
// a built Engine never re-reads its Config.
type Config struct {
	Session           SessionConfig
	Password          PasswordConfig
	TOTP              TOTPConfig
	EmailVerification EmailVerificationConfig
	PasswordReset     PasswordResetConfig
	RateLimit         RateLimitConfig
	Audit             AuditConfig
	Metrics           MetricsConfig

	// Clock is the single time source used by every limiter and expiry check.
	// Defaults to time.Now. Injectable for deterministic tests.
	Clock func() time.Time
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetime and renewal.
type SessionConfig struct {
	// Lifetime is the absolute expiry set at creation and on renewal.
	Lifetime time.Duration
	// RenewalWindow is the remaining-lifetime threshold below which validation
	// extends the session by a fresh Lifetime (sliding renewal).
	RenewalWindow time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds Argon2id parameters and the strength policy applied
// before hashing.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
	MaxLength   int
}

// TOTPConfig holds the TOTP generation and verification parameters.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	Skew      int
}

// EmailVerificationConfig controls verification request codes.
type EmailVerificationConfig struct {
	CodeLength int
	TTL        time.Duration
}

// PasswordResetConfig controls reset sessions.
type PasswordResetConfig struct {
	TTL        time.Duration
	CodeLength int
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig fixes every bucket parameter at startup. All limiter state is
// in-memory and process-local.
type RateLimitConfig struct {
	// Global per-IP request bucket.
	GlobalBurst          int
	GlobalRefillInterval time.Duration
	ReadCost             int
	WriteCost            int

	// Per-IP login bucket.
	LoginBurst          int
	LoginRefillInterval time.Duration

	// Per-account login failure throttler delays, non-decreasing.
	LoginTimeouts []time.Duration

	EmailVerificationMaxAttempts int
	EmailVerificationWindow      time.Duration

	TwoFactorMaxAttempts int
	TwoFactorWindow      time.Duration

	RecoveryMaxAttempts int
	RecoveryWindow      time.Duration

	PasswordUpdateMaxAttempts int
	PasswordUpdateWindow      time.Duration

	TOTPSetupMaxAttempts int
	TOTPSetupWindow      time.Duration

	ResetMailMaxSends int
	ResetMailWindow   time.Duration

	// SweepInterval is the cadence of the janitor goroutine that evicts decayed
	// limiter entries. Zero disables the sweeper.
	SweepInterval time.Duration
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the production defaults. Bucket parameters follow the
// deployed tuning: a 100-token global bucket refilling 1/s, a 20-token login
// bucket, and escalating login lockout delays saturating at five minutes.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			Lifetime:      30 * 24 * time.Hour,
			RenewalWindow: 15 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   8,
			MaxLength:   255,
		},
		TOTP: TOTPConfig{
			Issuer:    "authcore",
			Digits:    6,
			Period:    30,
			Algorithm: "SHA1",
			Skew:      1,
		},
		EmailVerification: EmailVerificationConfig{
			CodeLength: 8,
			TTL:        10 * time.Minute,
		},
		PasswordReset: PasswordResetConfig{
			TTL:        10 * time.Minute,
			CodeLength: 8,
		},
		RateLimit: RateLimitConfig{
			GlobalBurst:          100,
			GlobalRefillInterval: time.Second,
			ReadCost:             1,
			WriteCost:            3,

			LoginBurst:          20,
			LoginRefillInterval: time.Second,

			LoginTimeouts: []time.Duration{
				1 * time.Second, 2 * time.Second, 4 * time.Second,
				8 * time.Second, 16 * time.Second, 30 * time.Second,
				60 * time.Second, 180 * time.Second, 300 * time.Second,
			},

			EmailVerificationMaxAttempts: 5,
			EmailVerificationWindow:      30 * time.Minute,

			TwoFactorMaxAttempts: 5,
			TwoFactorWindow:      30 * time.Minute,

			RecoveryMaxAttempts: 3,
			RecoveryWindow:      60 * time.Minute,

			PasswordUpdateMaxAttempts: 5,
			PasswordUpdateWindow:      30 * time.Minute,

			TOTPSetupMaxAttempts: 3,
			TOTPSetupWindow:      10 * time.Minute,

			ResetMailMaxSends: 3,
			ResetMailWindow:   60 * time.Second,

			SweepInterval: 10 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// Validate rejects configurations that would weaken the engine's invariants.
func (c Config) Validate() error {
	if c.Session.Lifetime <= 0 {
		return errors.New("session lifetime must be positive")
	}
	if c.Session.RenewalWindow <= 0 || c.Session.RenewalWindow > c.Session.Lifetime {
		return errors.New("session renewal window must be positive and within the lifetime")
	}
	if c.Password.MinLength <= 0 || c.Password.MaxLength < c.Password.MinLength {
		return errors.New("password length policy invalid")
	}
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 10 {
		return errors.New("totp digits must be 6..10")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("totp period must be positive")
	}
	if c.TOTP.Skew < 0 {
		return errors.New("totp skew must be non-negative")
	}
	if c.EmailVerification.CodeLength < 6 {
		return errors.New("email verification code too short")
	}
	if c.EmailVerification.TTL <= 0 {
		return errors.New("email verification ttl must be positive")
	}
	if c.PasswordReset.TTL <= 0 {
		return errors.New("password reset ttl must be positive")
	}
	if c.PasswordReset.CodeLength < 6 {
		return errors.New("password reset code too short")
	}

	rl := c.RateLimit
	if rl.GlobalBurst <= 0 || rl.GlobalRefillInterval <= 0 {
		return errors.New("global request bucket parameters invalid")
	}
	if rl.ReadCost <= 0 || rl.WriteCost < rl.ReadCost {
		return errors.New("request costs invalid")
	}
	if rl.LoginBurst <= 0 || rl.LoginRefillInterval <= 0 {
		return errors.New("login bucket parameters invalid")
	}
	if len(rl.LoginTimeouts) == 0 {
		return errors.New("login throttler requires at least one delay")
	}
	for i := 1; i < len(rl.LoginTimeouts); i++ {
		if rl.LoginTimeouts[i] < rl.LoginTimeouts[i-1] {
			return errors.New("login throttler delays must be non-decreasing")
		}
	}
	if rl.EmailVerificationMaxAttempts <= 0 || rl.EmailVerificationWindow <= 0 ||
		rl.TwoFactorMaxAttempts <= 0 || rl.TwoFactorWindow <= 0 ||
		rl.RecoveryMaxAttempts <= 0 || rl.RecoveryWindow <= 0 ||
		rl.PasswordUpdateMaxAttempts <= 0 || rl.PasswordUpdateWindow <= 0 ||
		rl.TOTPSetupMaxAttempts <= 0 || rl.TOTPSetupWindow <= 0 ||
		rl.ResetMailMaxSends <= 0 || rl.ResetMailWindow <= 0 {
		return errors.New("attempt bucket parameters invalid")
	}

	return nil
}
