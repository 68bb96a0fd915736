package stores

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
	phoneHandshakeVersion1 = 1
)

var (
	ErrPhoneHandshakeNotFound = errors.New("phone handshake not found")
	ErrPhoneHandshakeExpired  = errors.New("phone handshake expired")
	ErrPhoneHandshakeExceeded = errors.New("phone handshake attempts exceeded")
	ErrPhoneHandshakeBackend  = errors.New("phone handshake backend unavailable")
)

// PhoneHandshake is the server-side record of a pending phone-code login.
// CodeHash is the upstream correlation hash and never leaves the store; the
// client only ever sees the opaque handshake id.
type PhoneHandshake struct {
	Phone            string
	CodeHash         string
	PasswordHint     string
	TwoFactorPending bool
	Attempts         uint16
	IssuedAt         int64
	ExpiresAt        int64
}

type PhoneHandshakeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPhoneHandshakeStore(redisClient redis.UniversalClient, prefix string) *PhoneHandshakeStore {
	if prefix == "" {
		prefix = "tghp"
	}
	return &PhoneHandshakeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *PhoneHandshakeStore) key(handshakeID string) string {
	return s.prefix + ":" + handshakeID
}

func (s *PhoneHandshakeStore) Save(
	ctx context.Context,
	handshakeID string,
	record *PhoneHandshake,
	ttl time.Duration,
) error {
	encoded, err := encodePhoneHandshake(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(handshakeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPhoneHandshakeBackend, err)
	}
	return nil
}

// Get fetches the record, enforcing the deadline at read time. An expired
// record is deleted and reported expired even if Redis has not reaped it.
func (s *PhoneHandshakeStore) Get(ctx context.Context, handshakeID string) (*PhoneHandshake, error) {
	data, err := s.redis.Get(ctx, s.key(handshakeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPhoneHandshakeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPhoneHandshakeBackend, err)
	}

	record, err := decodePhoneHandshake(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(handshakeID)).Result()
		return nil, ErrPhoneHandshakeExpired
	}
	return record, nil
}

// Update rewrites the record preserving its remaining TTL. Used to flag a
// pending second factor after the code itself was accepted.
func (s *PhoneHandshakeStore) Update(ctx context.Context, handshakeID string, record *PhoneHandshake) error {
	ttl := time.Until(time.Unix(record.ExpiresAt, 0))
	if ttl <= 0 {
		_, _ = s.redis.Del(ctx, s.key(handshakeID)).Result()
		return ErrPhoneHandshakeExpired
	}
	return s.Save(ctx, handshakeID, record, ttl)
}

// Consume deletes the record and reports whether this caller performed the
// delete. Exactly one of any set of concurrent consumers gets true, which
// makes verification single-use.
func (s *PhoneHandshakeStore) Consume(ctx context.Context, handshakeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(handshakeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPhoneHandshakeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure bumps the attempt counter inside an optimistic transaction
// and deletes the record once maxAttempts is reached. Returns true when the
// handshake was exhausted by this failure.
func (s *PhoneHandshakeStore) RecordFailure(
	ctx context.Context,
	handshakeID string,
	maxAttempts int,
) (bool, error) {
	const maxRetries = 4
	key := s.key(handshakeID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePhoneHandshake(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrPhoneHandshakeExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return nil
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrPhoneHandshakeExpired
			}

			updated, err := encodePhoneHandshake(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrPhoneHandshakeNotFound
			}
			if errors.Is(err, ErrPhoneHandshakeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrPhoneHandshakeBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrPhoneHandshakeNotFound
}

func encodePhoneHandshake(record *PhoneHandshake) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(phoneHandshakeVersion1)

	if record.TwoFactorPending {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.Phone, record.CodeHash, record.PasswordHint} {
		if len(field) > 65535 {
			return nil, errors.New("phone handshake field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodePhoneHandshake(data []byte) (*PhoneHandshake, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != phoneHandshakeVersion1 {
		return nil, errors.New("invalid phone handshake version")
	}

	record := &PhoneHandshake{}

	pending, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.TwoFactorPending = pending == 1

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, dst := range []*string{&record.Phone, &record.CodeHash, &record.PasswordHint} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, err
		}
		*dst = string(b)
	}

	return record, nil
}
