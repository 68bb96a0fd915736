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
	qrHandshakeVersion1 = 1
)

var (
	ErrQRHandshakeNotFound = errors.New("qr handshake not found")
	ErrQRHandshakeExpired  = errors.New("qr handshake expired")
	ErrQRHandshakeBackend  = errors.New("qr handshake backend unavailable")
)

// QRHandshake is the server-side record of a pending QR login. Token is the
// upstream login token and never leaves the store. Until a device scans the
// code, AcceptedBy and SessionID are empty. After acceptance the record stays
// until its TTL so polls observe the completed state instead of a vanished
// token.
type QRHandshake struct {
	Principal  string
	Token      string
	AcceptedBy string
	SessionID  string
	IssuedAt   int64
	ExpiresAt  int64
}

func (r *QRHandshake) Accepted() bool {
	return r.SessionID != ""
}

type QRHandshakeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewQRHandshakeStore(redisClient redis.UniversalClient, prefix string) *QRHandshakeStore {
	if prefix == "" {
		prefix = "tghq"
	}
	return &QRHandshakeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *QRHandshakeStore) key(tokenID string) string {
	return s.prefix + ":" + tokenID
}

func (s *QRHandshakeStore) Save(
	ctx context.Context,
	tokenID string,
	record *QRHandshake,
	ttl time.Duration,
) error {
	encoded, err := encodeQRHandshake(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(tokenID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQRHandshakeBackend, err)
	}
	return nil
}

// Get fetches the record, enforcing the deadline at read time.
func (s *QRHandshakeStore) Get(ctx context.Context, tokenID string) (*QRHandshake, error) {
	data, err := s.redis.Get(ctx, s.key(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQRHandshakeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrQRHandshakeBackend, err)
	}

	record, err := decodeQRHandshake(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(tokenID)).Result()
		return nil, ErrQRHandshakeExpired
	}
	return record, nil
}

// Accept marks the token accepted inside an optimistic transaction. Exactly
// one of any set of concurrent acceptors wins; the rest see the already-set
// SessionID and fail.
func (s *QRHandshakeStore) Accept(ctx context.Context, tokenID, acceptedBy, sessionID string) (*QRHandshake, error) {
	const maxRetries = 4
	key := s.key(tokenID)

	var accepted *QRHandshake
	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeQRHandshake(data)
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
				return ErrQRHandshakeExpired
			}
			if record.Accepted() {
				return ErrQRHandshakeNotFound
			}

			record.AcceptedBy = acceptedBy
			record.SessionID = sessionID

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				return ErrQRHandshakeExpired
			}

			updated, err := encodeQRHandshake(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			accepted = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrQRHandshakeNotFound
			}
			if errors.Is(err, ErrQRHandshakeExpired) || errors.Is(err, ErrQRHandshakeNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrQRHandshakeBackend, err)
		}
		return accepted, nil
	}

	return nil, ErrQRHandshakeNotFound
}

func (s *QRHandshakeStore) Delete(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQRHandshakeBackend, err)
	}
	return n > 0, nil
}

func encodeQRHandshake(record *QRHandshake) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(qrHandshakeVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.Principal, record.Token, record.AcceptedBy, record.SessionID} {
		if len(field) > 65535 {
			return nil, errors.New("qr handshake field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeQRHandshake(data []byte) (*QRHandshake, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != qrHandshakeVersion1 {
		return nil, errors.New("invalid qr handshake version")
	}

	record := &QRHandshake{}
	if err := binary.Read(reader, binary.BigEndian, &record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, dst := range []*string{&record.Principal, &record.Token, &record.AcceptedBy, &record.SessionID} {
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
