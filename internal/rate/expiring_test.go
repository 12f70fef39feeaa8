package rate

import (
	"testing"
	"time"
)

func TestExpiringExhaustsWithinWindow(t *testing.T) {
	clock := newFakeClock()
	b := NewExpiringBucket(3, 30*time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		if !b.Consume("k", 1) {
			t.Fatalf("attempt %d rejected inside budget", i)
		}
	}
	if b.Consume("k", 1) {
		t.Fatal("attempt allowed beyond budget")
	}
	if b.Check("k", 1) {
		t.Fatal("check must agree with consume on exhausted bucket")
	}
}

func TestExpiringNoIncrementalRefill(t *testing.T) {
	clock := newFakeClock()
	b := NewExpiringBucket(3, 30*time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		b.Consume("k", 1)
	}

	// Most of the window passes: still locked, tokens never trickle back.
	clock.Advance(29 * time.Minute)
	if b.Consume("k", 1) {
		t.Fatal("token granted before the window elapsed")
	}
}

func TestExpiringWindowSnapBack(t *testing.T) {
	clock := newFakeClock()
	b := NewExpiringBucket(3, 30*time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		b.Consume("k", 1)
	}

	clock.Advance(30 * time.Minute)

	// Whole budget back at once, and the new window starts now.
	for i := 0; i < 3; i++ {
		if !b.Consume("k", 1) {
			t.Fatalf("attempt %d rejected after snap-back", i)
		}
	}
	if b.Consume("k", 1) {
		t.Fatal("attempt allowed beyond the fresh budget")
	}
}

func TestExpiringWindowAnchoredAtFirstConsume(t *testing.T) {
	clock := newFakeClock()
	b := NewExpiringBucket(2, 10*time.Minute, clock.Now)

	b.Consume("k", 1)
	clock.Advance(9 * time.Minute)
	b.Consume("k", 1)

	// Window is anchored at the first consume, not the last.
	clock.Advance(time.Minute)
	if !b.Consume("k", 2) {
		t.Fatal("window should have elapsed 10 minutes after the first consume")
	}
}

func TestExpiringResetForgivesFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewExpiringBucket(2, 10*time.Minute, clock.Now)

	b.Consume("k", 2)
	if b.Consume("k", 1) {
		t.Fatal("bucket should be exhausted")
	}

	b.Reset("k")
	if !b.Consume("k", 1) {
		t.Fatal("reset key must start a fresh budget")
	}
}

func TestExpiringSweepEvictsElapsedWindows(t *testing.T) {
	clock := newFakeClock()
	b := NewExpiringBucket(2, 10*time.Minute, clock.Now)

	b.Consume("old", 1)
	clock.Advance(5 * time.Minute)
	b.Consume("fresh", 1)

	clock.Advance(5 * time.Minute)
	b.Sweep()

	if got := b.Len(); got != 1 {
		t.Fatalf("expected only the live window to survive, got %d entries", got)
	}
}
