package session

import (
	"context"
	"errors"
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

const (
	testLifetime    = 30 * 24 * time.Hour
	testRenewWithin = 15 * 24 * time.Hour
)

func newSessionStoreTest(t *testing.T) (*Store, *fakeClock, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := NewStore(rdb, testLifetime, testRenewWithin, clock.Now)
	return store, clock, func() {
		rdb.Close()
		mr.Close()
	}
}

func testSession(clock *fakeClock, digest string) *Session {
	now := clock.Now()
	return &Session{
		Digest:    digest,
		UserID:    "u-1",
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(testLifetime).Unix(),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &Session{
		UserID:            "user-42",
		TwoFactorVerified: true,
		CreatedAt:         1_700_000_000,
		ExpiresAt:         1_702_592_000,
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.UserID != in.UserID || !out.TwoFactorVerified ||
		out.CreatedAt != in.CreatedAt || out.ExpiresAt != in.ExpiresAt {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestGetUnknownDigest(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()

	_, err := store.Get(context.Background(), "no-such-digest")
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}
}

func TestGetOutsideRenewalWindowLeavesExpiryUntouched(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession(clock, "d-1")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	// 10 days in: 20 days remain, above the 15-day renewal threshold.
	clock.Advance(10 * 24 * time.Hour)

	got, err := store.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpiresAt != sess.ExpiresAt {
		t.Fatalf("expiry moved outside renewal window: got %d want %d", got.ExpiresAt, sess.ExpiresAt)
	}
}

func TestGetInsideRenewalWindowRenews(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession(clock, "d-1")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	// 20 days in: 10 days remain, below the threshold.
	clock.Advance(20 * 24 * time.Hour)

	got, err := store.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	wantExpiry := clock.Now().Add(testLifetime).Unix()
	if got.ExpiresAt != wantExpiry {
		t.Fatalf("renewal expiry: got %d want %d", got.ExpiresAt, wantExpiry)
	}
	if got.CreatedAt != sess.CreatedAt {
		t.Fatalf("renewal must not move CreatedAt")
	}

	// The renewed blob must be what later reads see.
	again, err := store.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if again.ExpiresAt != wantExpiry {
		t.Fatalf("renewal not persisted: got %d want %d", again.ExpiresAt, wantExpiry)
	}
}

func TestRenewPreservesTwoFactorFlag(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession(clock, "d-1")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetTwoFactorVerified(ctx, "d-1"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	clock.Advance(20 * 24 * time.Hour)

	got, err := store.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.TwoFactorVerified {
		t.Fatalf("renewal dropped the two-factor flag")
	}
	if want := clock.Now().Add(testLifetime).Unix(); got.ExpiresAt != want {
		t.Fatalf("renewal expiry: got %d want %d", got.ExpiresAt, want)
	}
}

func TestRenewCannotResurrectInvalidatedSession(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	// 20 days in, every Get triggers a renewal. Whichever way the renewal
	// interleaves with DeleteAllForUser, the session must end up gone: a
	// renewal landing after the delete must not write the session back.
	for i := 0; i < 50; i++ {
		if err := store.Save(ctx, testSession(clock, "d-race")); err != nil {
			t.Fatalf("save: %v", err)
		}
		clock.Advance(20 * 24 * time.Hour)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = store.Get(ctx, "d-race")
		}()
		go func() {
			defer wg.Done()
			if err := store.DeleteAllForUser(ctx, "u-1"); err != nil {
				t.Errorf("delete all: %v", err)
			}
		}()
		wg.Wait()

		if _, err := store.Get(ctx, "d-race"); !errors.Is(err, redis.Nil) {
			t.Fatalf("iteration %d: session survived invalidation: %v", i, err)
		}
	}
}

func TestGetExpiredByClockDeletes(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession(clock, "d-1")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	clock.Advance(31 * 24 * time.Hour)

	if _, err := store.Get(ctx, "d-1"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil for expired session, got %v", err)
	}

	count, err := store.ActiveSessionCount(ctx, "u-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("index not cleaned after expiry: %d", count)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession(clock, "d-1")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, "d-1"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.Delete(ctx, "d-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	if _, err := store.Get(ctx, "d-1"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestDeleteAllForUser(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	for _, digest := range []string{"d-1", "d-2", "d-3"} {
		if err := store.Save(ctx, testSession(clock, digest)); err != nil {
			t.Fatalf("save %s: %v", digest, err)
		}
	}

	if err := store.DeleteAllForUser(ctx, "u-1"); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	for _, digest := range []string{"d-1", "d-2", "d-3"} {
		if _, err := store.Get(ctx, digest); !errors.Is(err, redis.Nil) {
			t.Fatalf("session %s survived invalidation: %v", digest, err)
		}
	}
	count, err := store.ActiveSessionCount(ctx, "u-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("index not cleared: %d", count)
	}
}

func TestSetTwoFactorVerified(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	if err := store.Save(ctx, testSession(clock, "d-1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.SetTwoFactorVerified(ctx, "d-1"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	got, err := store.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.TwoFactorVerified {
		t.Fatalf("flag not persisted")
	}

	if err := store.SetTwoFactorVerified(ctx, "d-1"); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}

	if err := store.SetTwoFactorVerified(ctx, "gone"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil for unknown digest, got %v", err)
	}
}

func TestClearTwoFactorForUser(t *testing.T) {
	store, clock, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	for _, digest := range []string{"d-1", "d-2"} {
		if err := store.Save(ctx, testSession(clock, digest)); err != nil {
			t.Fatalf("save %s: %v", digest, err)
		}
		if err := store.SetTwoFactorVerified(ctx, digest); err != nil {
			t.Fatalf("set flag %s: %v", digest, err)
		}
	}

	if err := store.ClearTwoFactorForUser(ctx, "u-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	for _, digest := range []string{"d-1", "d-2"} {
		got, err := store.Get(ctx, digest)
		if err != nil {
			t.Fatalf("get %s: %v", digest, err)
		}
		if got.TwoFactorVerified {
			t.Fatalf("flag survived clear on %s", digest)
		}
	}
}
