package rate

import "errors"

var (
	// ErrRateLimited is returned when an operation exhausts its window budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps backend failures behind a stable sentinel.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
