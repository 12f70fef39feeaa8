package authcore

import (
	"context"
	"crypto/subtle"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memoryProvider is a mutex-guarded in-memory UserProvider for tests.
type memoryProvider struct {
	mu    sync.Mutex
	users map[string]*memoryUser
}

type memoryUser struct {
	User
	totpKey      []byte
	recoveryHash [32]byte
	hasRecovery  bool
	// staleSecondFactor simulates a backing store that reports a registered
	// second factor while the key row is already gone.
	staleSecondFactor bool
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{users: make(map[string]*memoryUser)}
}

func (p *memoryProvider) add(u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[u.ID] = &memoryUser{User: u}
}

func (p *memoryProvider) get(userID string) *memoryUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[userID]
}

func (p *memoryProvider) GetUserByEmail(_ context.Context, email string) (User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Email == email {
			return u.snapshot(), nil
		}
	}
	return User{}, ErrProviderUserNotFound
}

func (p *memoryProvider) GetUserByID(_ context.Context, userID string) (User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return User{}, ErrProviderUserNotFound
	}
	return u.snapshot(), nil
}

func (u *memoryUser) snapshot() User {
	out := u.User
	out.SecondFactorRegistered = len(u.totpKey) > 0 || u.staleSecondFactor
	return out
}

func (p *memoryProvider) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return ErrProviderUserNotFound
	}
	u.PasswordHash = newHash
	return nil
}

func (p *memoryProvider) SetEmailVerified(_ context.Context, userID, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return ErrProviderUserNotFound
	}
	u.Email = email
	u.EmailVerified = true
	return nil
}

func (p *memoryProvider) GetTOTPKey(_ context.Context, userID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return nil, ErrProviderUserNotFound
	}
	return append([]byte(nil), u.totpKey...), nil
}

func (p *memoryProvider) SetTOTPKey(_ context.Context, userID string, key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return ErrProviderUserNotFound
	}
	u.totpKey = append([]byte(nil), key...)
	return nil
}

func (p *memoryProvider) ClearTOTPKey(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return ErrProviderUserNotFound
	}
	u.totpKey = nil
	return nil
}

func (p *memoryProvider) SetRecoveryCodeHash(_ context.Context, userID string, hash [32]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return ErrProviderUserNotFound
	}
	u.recoveryHash = hash
	u.hasRecovery = true
	return nil
}

func (p *memoryProvider) ResetSecondFactorWithRecoveryCode(_ context.Context, userID string, matchHash, newHash [32]byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return false, ErrProviderUserNotFound
	}
	if !u.hasRecovery || subtle.ConstantTimeCompare(u.recoveryHash[:], matchHash[:]) != 1 {
		return false, nil
	}
	u.recoveryHash = newHash
	u.totpKey = nil
	return true, nil
}

func testConfig(clock *fakeClock) Config {
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	// Cheap hashing keeps the suite fast; policy is unchanged.
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.RateLimit.SweepInterval = 0
	return cfg
}

func newTestBackend(t *testing.T) (*miniredis.Miniredis, *redis.Client, *fakeClock) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, rdb, newFakeClock()
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *memoryProvider, *fakeClock, func()) {
	t.Helper()

	mr, rdb, clock := newTestBackend(t)
	cfg := testConfig(clock)
	if mutate != nil {
		mutate(&cfg)
	}

	provider := newMemoryProvider()
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(provider).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, provider, clock, func() {
		engine.Close()
		rdb.Close()
		mr.Close()
	}
}

const testPassword = "correct-password-123"

func seedUser(t *testing.T, e *Engine, p *memoryProvider, id, email string, verified bool) {
	t.Helper()
	hash, err := e.passwordHash.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	p.add(User{
		ID:            id,
		Email:         email,
		Username:      id,
		EmailVerified: verified,
		PasswordHash:  hash,
	})
}

// enrollTOTP drives the real enrollment flow and returns the shared key and
// the recovery code handed back at confirmation.
func enrollTOTP(t *testing.T, e *Engine, clock *fakeClock, token string) ([]byte, string) {
	t.Helper()
	ctx := context.Background()

	prov, err := e.ProvisionTOTP(ctx, token)
	if err != nil {
		t.Fatalf("ProvisionTOTP: %v", err)
	}
	code, err := hotpCode(prov.Key, clock.Now().Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotp: %v", err)
	}
	recovery, err := e.ConfirmTOTPSetup(ctx, token, prov.Key, code)
	if err != nil {
		t.Fatalf("ConfirmTOTPSetup: %v", err)
	}
	return prov.Key, recovery
}

func totpNow(t *testing.T, key []byte, clock *fakeClock) string {
	t.Helper()
	code, err := hotpCode(key, clock.Now().Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotp: %v", err)
	}
	return code
}

func mustLogin(t *testing.T, e *Engine, email string) *LoginResult {
	t.Helper()
	res, err := e.Login(WithClientIP(context.Background(), "198.51.100.7"), email, testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res
}

// wrongCode derives a code guaranteed to mismatch the issued one.
func wrongCode(issued string) string {
	if issued == "" {
		return "0"
	}
	if issued[0] != '0' {
		return "0" + issued[1:]
	}
	return "1" + issued[1:]
}
