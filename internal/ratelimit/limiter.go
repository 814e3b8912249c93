package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// ErrUnavailable wraps Redis transport failures so callers can decide whether
// to fail the request or continue without the limiter.
var ErrUnavailable = errors.New("ratelimit: backing store unavailable")

// Limiter is a fixed-window attempt counter backed by Redis. A key's counter
// is created with a TTL on the first increment and the window never slides;
// the counter's lifetime is independent of any per-account lockout state.
type Limiter struct {
	redis redis.UniversalClient
}

// New creates a Limiter backed by the given Redis client.
func New(redisClient redis.UniversalClient) *Limiter {
	return &Limiter{redis: redisClient}
}

// IsBlocked reports whether key has reached maxAttempts in the current
// window. It never mutates the counter; an absent counter means not blocked.
func (l *Limiter) IsBlocked(ctx context.Context, key string, maxAttempts int) (bool, error) {
	raw, err := l.redis.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: corrupt counter for %s", ErrUnavailable, key)
	}
	return count >= int64(maxAttempts), nil
}

// Increment records one attempt for key. The first increment in a window
// creates the counter with TTL = window.
func (l *Limiter) Increment(ctx context.Context, key string, window time.Duration) error {
	redisKey := keyPrefix + key
	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Fixed-window semantics: the TTL is set only on the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
