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
	verificationKeyPrefix      = "aev"
	verificationRecordVersion1 = 1
)

var (
	errVerificationNotFound         = errors.New("verification request not found")
	errVerificationRedisUnavailable = errors.New("verification redis unavailable")
)

// emailVerificationRecord is the single active verification request for a
// user. Saving a new record replaces the previous one, which is what retires
// codes when the user asks for a resend or changes the pending address.
type emailVerificationRecord struct {
	Email     string
	CodeHash  [32]byte
	ExpiresAt int64
}

type emailVerificationStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func newEmailVerificationStore(redisClient redis.UniversalClient, now func() time.Time) *emailVerificationStore {
	if now == nil {
		now = time.Now
	}
	return &emailVerificationStore{
		redis:  redisClient,
		prefix: verificationKeyPrefix,
		now:    now,
	}
}

func (s *emailVerificationStore) key(userID string) string {
	return s.prefix + ":" + userID
}

// Save stores the active verification request for a user, replacing any
// previous one.
func (s *emailVerificationStore) Save(ctx context.Context, userID string, record *emailVerificationRecord) error {
	encoded, err := encodeEmailVerificationRecord(record)
	if err != nil {
		return err
	}

	ttl := time.Unix(record.ExpiresAt, 0).Sub(s.now())
	if ttl <= 0 {
		return errors.New("verification record already expired")
	}

	if err := s.redis.Set(ctx, s.key(userID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errVerificationRedisUnavailable, err)
	}
	return nil
}

// Get returns the active request for a user. A request whose stored expiry
// has passed by the injected clock is reported as expired=true so the caller
// can reissue; the stale record is deleted on the way out.
func (s *emailVerificationStore) Get(ctx context.Context, userID string) (record *emailVerificationRecord, expired bool, err error) {
	data, err := s.redis.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, errVerificationNotFound
		}
		return nil, false, fmt.Errorf("%w: %v", errVerificationRedisUnavailable, err)
	}

	record, err = decodeEmailVerificationRecord(data)
	if err != nil {
		return nil, false, err
	}

	if s.now().Unix() > record.ExpiresAt {
		if err := s.Delete(ctx, userID); err != nil {
			return nil, false, err
		}
		return record, true, nil
	}

	return record, false, nil
}

// Delete removes the active request. Unknown users are a no-op.
func (s *emailVerificationStore) Delete(ctx context.Context, userID string) error {
	if err := s.redis.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errVerificationRedisUnavailable, err)
	}
	return nil
}

func encodeEmailVerificationRecord(record *emailVerificationRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(verificationRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.Email) > 65535 {
		return nil, errors.New("verification record email too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Email))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Email)
	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeEmailVerificationRecord(data []byte) (*emailVerificationRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != verificationRecordVersion1 {
		return nil, errors.New("invalid verification record version")
	}

	record := &emailVerificationRecord{}

	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

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
