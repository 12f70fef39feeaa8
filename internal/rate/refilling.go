package rate

import "time"

// RefillingBucket models a steady allowed rate with burst capacity: max tokens,
// one token back per refill interval. Refill arithmetic is floored — partial
// intervals never yield partial tokens, and the refill timestamp advances to
// now on every refill computation, truncating sub-interval credit.
type RefillingBucket struct {
	max      int
	interval time.Duration
	now      Clock
	keys     *shardedMap
}

// NewRefillingBucket creates a bucket with the given burst capacity and
// seconds-per-token refill interval.
func NewRefillingBucket(max int, interval time.Duration, now Clock) *RefillingBucket {
	if now == nil {
		now = time.Now
	}
	return &RefillingBucket{
		max:      max,
		interval: interval,
		now:      now,
		keys:     newShardedMap(),
	}
}

func (b *RefillingBucket) refilled(e entry, at time.Time) int {
	elapsed := at.Sub(e.timestamp)
	if elapsed < 0 {
		elapsed = 0
	}
	refill := int(elapsed / b.interval)
	count := e.count + refill
	if count > b.max {
		count = b.max
	}
	return count
}

// Check reports whether cost tokens would be available now. It never mutates:
// a failed Check followed by an immediate Consume with the same cost fails too.
// An absent key is a full bucket.
func (b *RefillingBucket) Check(key string, cost int) bool {
	if cost > b.max {
		return false
	}

	allowed := true
	b.keys.peek(key, func(e entry, ok bool) {
		if !ok {
			return
		}
		allowed = b.refilled(e, b.now()) >= cost
	})
	return allowed
}

// Consume charges cost tokens. A first touch seeds the bucket at max-cost. On
// insufficient tokens the refilled count is persisted but not decremented, so
// the caller is not charged for a rejected attempt.
func (b *RefillingBucket) Consume(key string, cost int) bool {
	if cost > b.max {
		return false
	}

	allowed := false
	b.keys.update(key, func(e entry, ok bool) (entry, bool) {
		now := b.now()
		if !ok {
			allowed = true
			return entry{count: b.max - cost, timestamp: now}, true
		}

		count := b.refilled(e, now)
		if count >= cost {
			allowed = true
			count -= cost
		}
		return entry{count: count, timestamp: now}, true
	})
	return allowed
}

// Reset forgets the key entirely.
func (b *RefillingBucket) Reset(key string) {
	b.keys.delete(key)
}

// Sweep evicts entries that have refilled back to capacity.
func (b *RefillingBucket) Sweep() {
	now := b.now()
	b.keys.sweep(func(e entry) bool {
		return b.refilled(e, now) >= b.max
	})
}

// Len reports the number of tracked keys.
func (b *RefillingBucket) Len() int {
	return b.keys.len()
}
