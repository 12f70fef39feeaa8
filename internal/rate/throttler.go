package rate

import "time"

// Throttler enforces an escalating lockout delay: each allowed attempt arms
// the next delay in the sequence, saturating at the longest configured one.
// The entry count doubles as the delay level.
type Throttler struct {
	timeouts []time.Duration
	now      Clock
	keys     *shardedMap
}

// NewThrottler creates a throttler from a non-decreasing delay sequence.
func NewThrottler(timeouts []time.Duration, now Clock) *Throttler {
	if now == nil {
		now = time.Now
	}
	return &Throttler{
		timeouts: timeouts,
		now:      now,
		keys:     newShardedMap(),
	}
}

// Consume reports whether an attempt is allowed. The first touch of a key is
// always allowed and arms the first delay; subsequent attempts are allowed
// only after the armed delay elapses, and each allowed attempt escalates the
// level. A denied attempt leaves the state untouched.
func (t *Throttler) Consume(key string) bool {
	allowed := false
	t.keys.update(key, func(e entry, ok bool) (entry, bool) {
		now := t.now()
		if !ok {
			allowed = true
			return entry{count: 0, timestamp: now}, true
		}

		if now.Sub(e.timestamp) < t.timeouts[e.count] {
			return e, true
		}

		allowed = true
		level := e.count + 1
		if level > len(t.timeouts)-1 {
			level = len(t.timeouts) - 1
		}
		return entry{count: level, timestamp: now}, true
	})
	return allowed
}

// Reset deletes the key; the next Consume succeeds immediately.
func (t *Throttler) Reset(key string) {
	t.keys.delete(key)
}

// Sweep evicts entries idle past the longest configured delay; their next
// Consume would be allowed at level-escalation anyway, so dropping them only
// resets the level, which is the accepted trade for bounded memory.
func (t *Throttler) Sweep() {
	now := t.now()
	longest := t.timeouts[len(t.timeouts)-1]
	t.keys.sweep(func(e entry) bool {
		return now.Sub(e.timestamp) >= longest
	})
}

// Len reports the number of tracked keys.
func (t *Throttler) Len() int {
	return t.keys.len()
}
