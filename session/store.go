package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is returned when Redis cannot be reached or replies
// with an unexpected payload.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrAlreadyVerified is returned when the two-factor flag is set a second time.
var ErrAlreadyVerified = errors.New("session already two-factor verified")

const minTTL = time.Second

const (
	flagStatusNotFound   int64 = 0
	flagStatusUnchanged  int64 = 1
	flagStatusUpdated    int64 = 2
	flagStatusInvalidBlb int64 = 3
)

// setFlagScript flips bit 0 of the flags byte in the stored session blob
// without a round trip through Go. The flags byte lives at offset
// 2 + userID length (1-based index 3 + len). TTL is preserved.
const setFlagScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local version = string.byte(data, 1)
if version ~= 1 then
  return 3
end
local user_len = string.byte(data, 2)
if not user_len then
  return 3
end
local idx = 3 + user_len
local flags = string.byte(data, idx)
if not flags then
  return 3
end
if flags % 2 == 1 then
  return 1
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end
local updated = string.sub(data, 1, idx - 1) .. string.char(flags + 1) .. string.sub(data, idx + 1)
redis.call("SET", KEYS[1], updated, "PX", ttl)
return 2
`

// clearFlagScript is the inverse of setFlagScript.
const clearFlagScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local version = string.byte(data, 1)
if version ~= 1 then
  return 3
end
local user_len = string.byte(data, 2)
if not user_len then
  return 3
end
local idx = 3 + user_len
local flags = string.byte(data, idx)
if not flags then
  return 3
end
if flags % 2 == 0 then
  return 1
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end
local updated = string.sub(data, 1, idx - 1) .. string.char(flags - 1) .. string.sub(data, idx + 1)
redis.call("SET", KEYS[1], updated, "PX", ttl)
return 2
`

// renewScript overwrites the trailing 8-byte ExpiresAt field with ARGV[1]
// and resets the key TTL to ARGV[2] milliseconds. It operates strictly
// in place: a digest deleted by a concurrent invalidation stays deleted,
// and a flag flip landing before the script is carried into the result.
const renewScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return false
end
if string.byte(data, 1) ~= 1 or #data < 19 then
  return redis.error_reply("invalid session blob")
end
local updated = string.sub(data, 1, #data - 8) .. ARGV[1]
redis.call("SET", KEYS[1], updated, "PX", ARGV[2])
return updated
`

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var (
	setFlagLua       = redis.NewScript(setFlagScript)
	clearFlagLua     = redis.NewScript(clearFlagScript)
	renewLua         = redis.NewScript(renewScript)
	deleteSessionLua = redis.NewScript(deleteSessionScript)
)

// Store is a Redis-backed session store keyed by token digest. It handles
// persistence, absolute expiry, and sliding renewal when a session enters
// its renewal window.
type Store struct {
	redis       redis.UniversalClient
	lifetime    time.Duration
	renewWithin time.Duration
	now         func() time.Time
	onRenew     func()
}

// NewStore creates a session [Store] backed by the given Redis client.
// lifetime is the absolute session duration granted at creation and at each
// renewal; renewWithin is the remaining-lifetime threshold below which a
// validated session is renewed.
func NewStore(
	rdb redis.UniversalClient,
	lifetime time.Duration,
	renewWithin time.Duration,
	now func() time.Time,
) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		redis:       rdb,
		lifetime:    lifetime,
		renewWithin: renewWithin,
		now:         now,
	}
}

// OnRenew registers a callback invoked after each sliding renewal. Must be
// set before the store is shared between goroutines.
func (s *Store) OnRenew(fn func()) {
	s.onRenew = fn
}

func (s *Store) key(digest string) string {
	return "as:" + digest
}

func (s *Store) userKey(userID string) string {
	return "au:" + userID
}

// Save persists a new [Session] under its token digest and records it in the
// per-user index set.
//
//	Performance: 2 Redis commands in one transaction (SET + SADD).
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ttl := time.Unix(sess.ExpiresAt, 0).Sub(s.now())
	if ttl < minTTL {
		ttl = minTTL
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.Digest), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.Digest)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get retrieves a live session by token digest and applies sliding renewal.
// A session whose stored expiry has passed (by the injected clock, even if
// Redis has not evicted it yet) is deleted and reported as redis.Nil, so an
// expired token is indistinguishable from an unknown one.
func (s *Store) Get(ctx context.Context, digest string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(digest)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.Digest = digest

	now := s.now()
	remaining := time.Unix(sess.ExpiresAt, 0).Sub(now)
	if remaining <= 0 {
		if err := s.deleteSessionAndIndex(ctx, sess.UserID, digest); err != nil {
			return nil, err
		}
		return nil, redis.Nil
	}

	if remaining < s.renewWithin {
		renewed, err := s.renew(ctx, sess, now)
		if err != nil {
			return nil, err
		}
		return renewed, nil
	}

	return sess, nil
}

// renew extends the session to a full lifetime from now. CreatedAt and the
// two-factor flag are preserved; only ExpiresAt moves. The patch happens
// inside Redis so a renewal cannot resurrect a session that a concurrent
// DeleteAllForUser removed, nor undo a concurrent flag update. Returns
// redis.Nil if the session vanished before the patch landed.
//
//	Performance: 1 Lua EVALSHA (atomic in-place expiry patch).
func (s *Store) renew(ctx context.Context, sess *Session, now time.Time) (*Session, error) {
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(now.Add(s.lifetime).Unix()))

	result, err := renewLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sess.Digest)},
		string(expiry[:]),
		s.lifetime.Milliseconds(),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	blob, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: invalid renew script response", ErrRedisUnavailable)
	}
	renewed, err := Decode([]byte(blob))
	if err != nil {
		return nil, err
	}
	renewed.Digest = sess.Digest

	if s.onRenew != nil {
		s.onRenew()
	}
	return renewed, nil
}

// Delete removes one session and its index entry. Deleting an unknown digest
// is a no-op.
func (s *Store) Delete(ctx context.Context, digest string) error {
	data, err := s.redis.Get(ctx, s.key(digest)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return err
	}

	return s.deleteSessionAndIndex(ctx, sess.UserID, digest)
}

// DeleteAllForUser removes every tracked session for a user.
//
// ATOMICITY NOTE: the index read and the deletes are separate steps. A
// session created between them is not captured by this call; it will be
// caught by the next invalidation or expire naturally.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	digests, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, digest := range digests {
			pipe.Del(ctx, s.key(digest))
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// SetTwoFactorVerified marks one session as having completed a second-factor
// challenge. Returns [ErrAlreadyVerified] if the flag was already set and
// redis.Nil if the session no longer exists.
//
//	Performance: 1 Lua EVALSHA (atomic in-place flag flip).
func (s *Store) SetTwoFactorVerified(ctx context.Context, digest string) error {
	status, err := s.runFlagScript(ctx, setFlagLua, digest)
	if err != nil {
		return err
	}
	if status == flagStatusUnchanged {
		return ErrAlreadyVerified
	}
	return nil
}

// ClearTwoFactorForUser strips the two-factor flag from every tracked session
// of a user. Sessions that vanish mid-iteration are skipped.
func (s *Store) ClearTwoFactorForUser(ctx context.Context, userID string) error {
	digests, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	for _, digest := range digests {
		if _, err := s.runFlagScript(ctx, clearFlagLua, digest); err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return err
		}
	}
	return nil
}

// ActiveSessionCount returns the number of tracked session digests for a user.
func (s *Store) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) runFlagScript(ctx context.Context, script *redis.Script, digest string) (int64, error) {
	result, err := script.Run(ctx, s.redis, []string{s.key(digest)}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	status, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: invalid flag script response", ErrRedisUnavailable)
	}

	switch status {
	case flagStatusNotFound:
		return status, redis.Nil
	case flagStatusInvalidBlb:
		return status, errors.New("invalid session blob")
	default:
		return status, nil
	}
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, userID, digest string) error {
	_, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(digest), s.userKey(userID)},
		digest,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
