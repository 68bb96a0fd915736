package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Op names a rate-limited operation. Each op carries its own budget and its
// own counter per scope (principal or principal+phone).
type Op string

const (
	OpCodeRequest Op = "creq"
	OpCodeVerify  Op = "cver"
	OpQRGenerate  Op = "qrg"
	OpQRStatus    Op = "qrs"
	OpTwoFactor   Op = "2fa"
)

// Budget is a fixed-window allowance: at most Max hits per Window.
type Budget struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of a budget check. RetryAfter is only meaningful
// when Allowed is false and reflects the remaining window TTL.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces per-scope fixed-window budgets for the linking operations
// using Redis counters.
type Limiter struct {
	redis   redis.UniversalClient
	prefix  string
	budgets map[Op]Budget
}

// New creates a rate [Limiter] backed by the given Redis client. Ops missing
// from budgets are unlimited.
func New(redisClient redis.UniversalClient, prefix string, budgets map[Op]Budget) *Limiter {
	if prefix == "" {
		prefix = "tglr"
	}
	return &Limiter{
		redis:   redisClient,
		prefix:  prefix,
		budgets: budgets,
	}
}

func (l *Limiter) key(op Op, scope string) string {
	return l.prefix + ":" + string(op) + ":" + scope
}

// Allow consumes one hit from the op's budget for the scope. The hit is
// counted whether or not the caller's operation later succeeds; failure-only
// budgets get the hit refunded via Forgive.
func (l *Limiter) Allow(ctx context.Context, op Op, scope string) (Decision, error) {
	budget, ok := l.budgets[op]
	if !ok || budget.Max <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := l.key(op, scope)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, budget.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	if count > int64(budget.Max) {
		retryAfter, err := l.redis.PTTL(ctx, key).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if retryAfter < 0 {
			retryAfter = budget.Window
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	return Decision{Allowed: true, Remaining: budget.Max - int(count)}, nil
}

// Forgive refunds a previously consumed hit. Used by failure-only budgets
// after a successful attempt so that successes never count against the
// allowance. A missing counter is a no-op.
func (l *Limiter) Forgive(ctx context.Context, op Op, scope string) error {
	if _, ok := l.budgets[op]; !ok {
		return nil
	}

	key := l.key(op, scope)
	count, err := l.redis.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	// DECR on a missing key creates it at -1; undo rather than leave a
	// negative counter with no TTL.
	if count < 0 {
		_ = l.redis.Del(ctx, key).Err()
	}
	return nil
}

// Remaining reports how many hits are left in the current window without
// consuming one. Missing counters report the full budget.
func (l *Limiter) Remaining(ctx context.Context, op Op, scope string) (int, error) {
	budget, ok := l.budgets[op]
	if !ok || budget.Max <= 0 {
		return -1, nil
	}

	count, err := l.redis.Get(ctx, l.key(op, scope)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return budget.Max, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	left := budget.Max - int(count)
	if left < 0 {
		return 0, nil
	}
	return left, nil
}

// Reset clears the op's counter for the scope. Called when a flow completes
// and its abuse window no longer applies.
func (l *Limiter) Reset(ctx context.Context, op Op, scope string) error {
	if err := l.redis.Del(ctx, l.key(op, scope)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
