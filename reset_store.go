package authcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resetKeyPrefix      = "apr"
	resetUserKeyPrefix  = "apru"
	resetRecordVersion1 = 1

	resetFlagEmailVerified        = 0x01
	resetFlagSecondFactorVerified = 0x02

	resetCASRetries = 4
)

var (
	errResetNotFound         = errors.New("reset session not found")
	errResetRedisUnavailable = errors.New("reset redis unavailable")
)

// passwordResetRecord is the server-side state of one password reset attempt,
// keyed by the digest of the reset token mailed to the user. The two flags are
// the checkpoints the reset flow must clear before the password can change.
type passwordResetRecord struct {
	UserID               string
	Email                string
	CodeHash             [32]byte
	ExpiresAt            int64
	EmailVerified        bool
	SecondFactorVerified bool
}

type passwordResetStore struct {
	redis redis.UniversalClient
	now   func() time.Time
}

func newPasswordResetStore(redisClient redis.UniversalClient, now func() time.Time) *passwordResetStore {
	if now == nil {
		now = time.Now
	}
	return &passwordResetStore{redis: redisClient, now: now}
}

func (s *passwordResetStore) key(digest string) string {
	return resetKeyPrefix + ":" + digest
}

func (s *passwordResetStore) userKey(userID string) string {
	return resetUserKeyPrefix + ":" + userID
}

// Save stores a new reset session and records its digest in the per-user
// index so a password change or email verification can invalidate all
// outstanding resets for the account.
func (s *passwordResetStore) Save(ctx context.Context, digest string, record *passwordResetRecord) error {
	encoded, err := encodePasswordResetRecord(record)
	if err != nil {
		return err
	}

	ttl := time.Unix(record.ExpiresAt, 0).Sub(s.now())
	if ttl <= 0 {
		return errors.New("reset record already expired")
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(digest), encoded, ttl)
		pipe.SAdd(ctx, s.userKey(record.UserID), digest)
		pipe.Expire(ctx, s.userKey(record.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	return nil
}

// Get returns a live reset session. Expired-by-clock records are deleted and
// reported as not found, indistinguishable from an unknown digest.
func (s *passwordResetStore) Get(ctx context.Context, digest string) (*passwordResetRecord, error) {
	data, err := s.redis.Get(ctx, s.key(digest)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errResetNotFound
		}
		return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	record, err := decodePasswordResetRecord(data)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() > record.ExpiresAt {
		if err := s.deleteRecordAndIndex(ctx, record.UserID, digest); err != nil {
			return nil, err
		}
		return nil, errResetNotFound
	}

	return record, nil
}

// SetEmailVerified marks the email checkpoint on a reset session.
func (s *passwordResetStore) SetEmailVerified(ctx context.Context, digest string) (*passwordResetRecord, error) {
	return s.updateRecord(ctx, digest, func(record *passwordResetRecord) {
		record.EmailVerified = true
	})
}

// SetSecondFactorVerified marks the second-factor checkpoint on a reset session.
func (s *passwordResetStore) SetSecondFactorVerified(ctx context.Context, digest string) (*passwordResetRecord, error) {
	return s.updateRecord(ctx, digest, func(record *passwordResetRecord) {
		record.SecondFactorVerified = true
	})
}

// updateRecord applies mutate under a WATCH transaction so two concurrent
// checkpoint updates cannot lose each other's flags.
func (s *passwordResetStore) updateRecord(
	ctx context.Context,
	digest string,
	mutate func(*passwordResetRecord),
) (*passwordResetRecord, error) {
	key := s.key(digest)

	for i := 0; i < resetCASRetries; i++ {
		var updated *passwordResetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePasswordResetRecord(data)
			if err != nil {
				return err
			}
			if s.now().Unix() > record.ExpiresAt {
				return errResetNotFound
			}

			mutate(record)

			encoded, err := encodePasswordResetRecord(record)
			if err != nil {
				return err
			}

			ttl := time.Unix(record.ExpiresAt, 0).Sub(s.now())
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			updated = record
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, errResetNotFound):
				return nil, errResetNotFound
			default:
				return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
			}
		}

		return updated, nil
	}

	return nil, errResetNotFound
}

// Delete removes one reset session. Unknown digests are a no-op.
func (s *passwordResetStore) Delete(ctx context.Context, digest string) error {
	data, err := s.redis.Get(ctx, s.key(digest)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	record, err := decodePasswordResetRecord(data)
	if err != nil {
		return err
	}

	return s.deleteRecordAndIndex(ctx, record.UserID, digest)
}

// DeleteAllForUser invalidates every outstanding reset session for a user.
func (s *passwordResetStore) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	digests, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, digest := range digests {
			pipe.Del(ctx, s.key(digest))
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	return nil
}

func (s *passwordResetStore) deleteRecordAndIndex(ctx context.Context, userID, digest string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(digest))
		pipe.SRem(ctx, s.userKey(userID), digest)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	return nil
}

func encodePasswordResetRecord(record *passwordResetRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(resetRecordVersion1)

	var flags byte
	if record.EmailVerified {
		flags |= resetFlagEmailVerified
	}
	if record.SecondFactorVerified {
		flags |= resetFlagSecondFactorVerified
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 {
		return nil, errors.New("reset record user id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)

	if len(record.Email) > 65535 {
		return nil, errors.New("reset record email too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Email))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Email)

	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodePasswordResetRecord(data []byte) (*passwordResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersion1 {
		return nil, errors.New("invalid reset record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &passwordResetRecord{
		EmailVerified:        flags&resetFlagEmailVerified != 0,
		SecondFactorVerified: flags&resetFlagSecondFactorVerified != 0,
	}

	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userIDLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userIDLen); err != nil {
		return nil, err
	}
	userID := make([]byte, userIDLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	record.UserID = string(userID)

	var emailLen uint16
	if err := binary.Read(reader, binary.BigEndian, &emailLen); err != nil {
		return nil, err
	}
	email := make([]byte, emailLen)
	if _, err := io.ReadFull(reader, email); err != nil {
		return nil, err
	}
	record.Email = string(email)

	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
