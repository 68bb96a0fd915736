package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no session record exists for the given id.
var ErrNotFound = errors.New("session not found")

// ErrRedisUnavailable wraps backend failures so callers can distinguish
// infrastructure trouble from domain errors.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrAlreadyExists is returned by Create when the session id is taken.
var ErrAlreadyExists = errors.New("session already exists")

const txRetries = 4

// Store is the durable session registry. All status writes go through
// Transition, which serializes concurrent writers per session id with an
// optimistic WATCH transaction: validate transition, persist, and only then
// may the caller publish. The at-most-one-active-per-principal invariant is
// enforced here by superseding the previous active session inside the same
// transaction.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix namespaces all keys.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "tgl"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) principalKey(principal string) string {
	return s.prefix + ":p:" + principal
}

func (s *Store) activeKey(principal string) string {
	return s.prefix + ":a:" + principal
}

// Create persists a brand-new session. The initial status must be
// initializing; sessions are never born active.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.Status != StatusInitializing {
		return &InvalidTransitionError{From: sess.Status, To: sess.Status, SessionID: sess.SessionID}
	}

	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.key(sess.SessionID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	if err := s.redis.SAdd(ctx, s.principalKey(sess.Principal), sess.SessionID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get fetches a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return Decode(data)
}

// ByPrincipal returns every session recorded for the principal, including
// terminal ones kept for audit.
func (s *Store) ByPrincipal(ctx context.Context, principal string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.principalKey(principal)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Active returns the principal's single active session, or ErrNotFound.
func (s *Store) Active(ctx context.Context, principal string) (*Session, error) {
	id, err := s.redis.Get(ctx, s.activeKey(principal)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		// Stale pointer left by a crashed writer; self-heal.
		_ = s.redis.Del(ctx, s.activeKey(principal)).Err()
		return nil, ErrNotFound
	}
	return sess, nil
}

// Transition validates and persists a status change atomically, applying mut
// to the decoded record after the status change succeeds (metadata rides the
// same write). When activating, any previously active session of the same
// principal is revoked in the same transaction and returned as superseded.
// Illegal transitions return *InvalidTransitionError and leave stored state
// untouched.
func (s *Store) Transition(ctx context.Context, sessionID string, to Status, mut func(*Session)) (updated *Session, superseded *Session, err error) {
	for i := 0; i < txRetries; i++ {
		updated, superseded = nil, nil

		err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, s.key(sessionID)).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}

			sess, err := Decode(data)
			if err != nil {
				return err
			}

			if err := ApplyTransition(sess, to); err != nil {
				return err
			}
			if mut != nil {
				mut(sess)
			}

			// The active pointer is only known after decoding; extend the
			// WATCH set before reading it so the CAS covers both keys.
			activeKey := s.activeKey(sess.Principal)
			if err := tx.Watch(ctx, activeKey).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}

			pointerID, err := tx.Get(ctx, activeKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			pointerSet := err == nil

			var prev *Session
			if to == StatusActive {
				prevID := pointerID
				if pointerSet && prevID != sessionID {
					prevData, err := tx.Get(ctx, s.key(prevID)).Bytes()
					if err != nil && !errors.Is(err, redis.Nil) {
						return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
					}
					if err == nil {
						prev, err = Decode(prevData)
						if err != nil {
							return err
						}
						if prev.Status == StatusActive {
							prev.Status = StatusRevoked
							prev.PhoneNumber = ""
						} else {
							prev = nil
						}
					}
				}
			}

			encoded, err := Encode(sess)
			if err != nil {
				return err
			}
			var prevEncoded []byte
			if prev != nil {
				prevEncoded, err = Encode(prev)
				if err != nil {
					return err
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key(sessionID), encoded, 0)
				switch {
				case to == StatusActive:
					if prev != nil {
						pipe.Set(ctx, s.key(prev.SessionID), prevEncoded, 0)
					}
					pipe.Set(ctx, activeKey, sessionID, 0)
				case to.Terminal() && pointerSet && pointerID == sessionID:
					// Another session of the principal may own the pointer;
					// only clear it when it references this one.
					pipe.Del(ctx, activeKey)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}

			updated = sess
			superseded = prev
			return nil
		}, s.key(sessionID))

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return updated, superseded, err
	}
	return nil, nil, fmt.Errorf("%w: transition contention", ErrRedisUnavailable)
}

// Touch bumps LastUsedAt without changing status. Uses the same optimistic
// transaction so it cannot clobber a concurrent transition.
func (s *Store) Touch(ctx context.Context, sessionID string, now int64) error {
	for i := 0; i < txRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, s.key(sessionID)).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}

			sess, err := Decode(data)
			if err != nil {
				return err
			}
			sess.LastUsedAt = now

			encoded, err := Encode(sess)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key(sessionID), encoded, 0)
				return nil
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			return nil
		}, s.key(sessionID))

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: touch contention", ErrRedisUnavailable)
}

// Delete removes a session record and its index entries. Idempotent.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID))
		pipe.SRem(ctx, s.principalKey(sess.Principal), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Clear a matching active pointer; a mismatched pointer belongs to a
	// newer session and must stay.
	id, err := s.redis.Get(ctx, s.activeKey(sess.Principal)).Result()
	if err == nil && id == sessionID {
		_ = s.redis.Del(ctx, s.activeKey(sess.Principal)).Err()
	}
	return nil
}

// Ping reports point-in-time backend availability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
