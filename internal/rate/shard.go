package rate

import (
	"hash/fnv"
	"sync"
	"time"
)

// Clock is the time source injected into every limiter.
type Clock func() time.Time

const shardCount = 32

type entry struct {
	count     int
	timestamp time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// shardedMap is a fixed-shard keyed store. Locking is per shard: same-key
// operations are linearizable, distinct keys mostly proceed in parallel.
type shardedMap struct {
	shards [shardCount]shard
}

func newShardedMap() *shardedMap {
	m := &shardedMap{}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]entry)
	}
	return m
}

func (m *shardedMap) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

// update runs fn under the key's shard lock. fn receives the current entry and
// whether it exists, and returns the new entry plus whether to keep it.
func (m *shardedMap) update(key string, fn func(e entry, ok bool) (entry, bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	next, keep := fn(e, ok)
	if keep {
		s.entries[key] = next
	} else if ok {
		delete(s.entries, key)
	}
}

// peek runs fn under the key's shard lock without mutating.
func (m *shardedMap) peek(key string, fn func(e entry, ok bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	fn(e, ok)
}

func (m *shardedMap) delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
}

// sweep removes every entry for which stale returns true. Shards are locked
// one at a time so concurrent consumers are stalled at most per shard.
func (m *shardedMap) sweep(stale func(e entry) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if stale(e) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

func (m *shardedMap) len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
