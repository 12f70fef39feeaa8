package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const newTestPassword = "brand-new-password-456"

// fullySignedIn logs in and walks the session through 2FA enrollment so it
// reaches StepNone.
func fullySignedIn(t *testing.T, e *Engine, clock *fakeClock) *LoginResult {
	t.Helper()
	res := mustLogin(t, e, "alice@example.com")
	enrollTOTP(t, e, clock, res.Token)
	return res
}

func TestUpdatePassword(t *testing.T) {
	e, p, clock, done := newTestEngine(t, nil)
	defer done()
	seedUser(t, e, p, "u1", "alice@example.com", true)
	ctx := context.Background()

	first := fullySignedIn(t, e, clock)
	other := mustLogin(t, e, "alice@example.com")

	updated, err := e.UpdatePassword(ctx, first.Token, testPassword, newTestPassword)
	if err != nil {
		t.Fatalf("update password: %v", err)
	}

	// Every pre-existing session dies, including the caller's old one.
	for _, token := range []string{first.Token, other.Token} {
		if _, err := e.ValidateSessionToken(ctx, token); !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("got %v, want ErrNotAuthenticated", err)
		}
	}

	// The replacement session keeps the caller's two-factor standing.
	v, err := e.ValidateSessionToken(ctx, updated.Token)
	if err != nil {
		t.Fatalf("validate replacement: %v", err)
	}
	if !v.Session.TwoFactorVerified {
		t.Fatal("replacement session must keep the two-factor flag")
	}

	if _, err := e.Login(WithClientIP(ctx, "198.51.100.7"), "alice@example.com", testPassword); !errors.Is(err, ErrIncorrectPassword) {
		t.Fatalf("old password: got %v, want ErrIncorrectPassword", err)
	}
	clock.Advance(time.Second) // past the throttle armed by the failure
	if _, err := e.Login(WithClientIP(ctx, "198.51.100.7"), "alice@example.com", newTestPassword); err != nil {
		t.Fatalf("new password: %v", err)
	}
}

func TestUpdatePasswordRequiresFullSignIn(t *testing.T) {
	e, p, clock, done := newTestEngine(t, nil)
	defer done()
	seedUser(t, e, p, "u1", "alice@example.com", true)
	ctx := context.Background()

	fullySignedIn(t, e, clock)

	// A session still behind the two-factor gate may not change the password.
	behind := mustLogin(t, e, "alice@example.com")
	if _, err := e.UpdatePassword(ctx, behind.Token, testPassword, newTestPassword); !errors.Is(err, ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
}

func TestUpdatePasswordPolicy(t *testing.T) {
	e, p, clock, done := newTestEngine(t, nil)
	defer done()
	seedUser(t, e, p, "u1", "alice@example.com", true)
	ctx := context.Background()

	res := fullySignedIn(t, e, clock)

	if _, err := e.UpdatePassword(ctx, res.Token, testPassword, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("got %v, want ErrWeakPassword", err)
	}
	if _, err := e.UpdatePassword(ctx, res.Token, testPassword, strings.Repeat("x", 256)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}

	// Policy failures do not burn attempts or sessions.
	if _, err := e.ValidateSessionToken(ctx, res.Token); err != nil {
		t.Fatalf("session must survive policy rejections: %v", err)
	}
}

func TestUpdatePasswordWrongCurrent(t *testing.T) {
	e, p, clock, done := newTestEngine(t, nil)
	defer done()
	seedUser(t, e, p, "u1", "alice@example.com", true)
	ctx := context.Background()

	res := fullySignedIn(t, e, clock)

	if _, err := e.UpdatePassword(ctx, res.Token, "not-the-password", newTestPassword); !errors.Is(err, ErrIncorrectPassword) {
		t.Fatalf("got %v, want ErrIncorrectPassword", err)
	}
	if _, err := e.ValidateSessionToken(ctx, res.Token); err != nil {
		t.Fatalf("session must survive a failed attempt: %v", err)
	}
}
