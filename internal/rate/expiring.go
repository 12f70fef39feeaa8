package rate

import "time"

// ExpiringBucket models "max attempts per fixed window": tokens never refill
// incrementally, the whole bucket snaps back to full once the window elapses.
type ExpiringBucket struct {
	max       int
	expiresIn time.Duration
	now       Clock
	keys      *shardedMap
}

// NewExpiringBucket creates a fixed-window bucket.
func NewExpiringBucket(max int, expiresIn time.Duration, now Clock) *ExpiringBucket {
	if now == nil {
		now = time.Now
	}
	return &ExpiringBucket{
		max:       max,
		expiresIn: expiresIn,
		now:       now,
		keys:      newShardedMap(),
	}
}

func (b *ExpiringBucket) expired(e entry, at time.Time) bool {
	return at.Sub(e.timestamp) >= b.expiresIn
}

// Check reports whether cost tokens are available in the current window
// without charging. An absent key is a full bucket.
func (b *ExpiringBucket) Check(key string, cost int) bool {
	if cost > b.max {
		return false
	}

	allowed := true
	b.keys.peek(key, func(e entry, ok bool) {
		if !ok || b.expired(e, b.now()) {
			return
		}
		allowed = e.count >= cost
	})
	return allowed
}

// Consume charges cost tokens, opening a fresh window when the key is absent
// or the previous window has elapsed.
func (b *ExpiringBucket) Consume(key string, cost int) bool {
	if cost > b.max {
		return false
	}

	allowed := false
	b.keys.update(key, func(e entry, ok bool) (entry, bool) {
		now := b.now()
		if !ok || b.expired(e, now) {
			allowed = true
			return entry{count: b.max - cost, timestamp: now}, true
		}

		if e.count < cost {
			return e, true
		}
		allowed = true
		e.count -= cost
		return e, true
	})
	return allowed
}

// Reset deletes the key. Used after a successful authenticated action so prior
// failed attempts stop penalizing the legitimate user.
func (b *ExpiringBucket) Reset(key string) {
	b.keys.delete(key)
}

// Sweep evicts entries whose window has elapsed.
func (b *ExpiringBucket) Sweep() {
	now := b.now()
	b.keys.sweep(func(e entry) bool {
		return b.expired(e, now)
	})
}

// Len reports the number of tracked keys.
func (b *ExpiringBucket) Len() int {
	return b.keys.len()
}
