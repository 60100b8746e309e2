package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds send throttle tuning parameters.
type Config struct {
	Prefix   string
	MaxSends int
	Window   time.Duration
}

// Limiter enforces a per-action, per-email send budget using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "tmauth"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// AllowSend records one send of action for email and returns
// [ErrRateLimited] once the window budget is exceeded. A nil Limiter allows
// everything.
func (l *Limiter) AllowSend(ctx context.Context, action, email string) error {
	if l == nil || l.redis == nil || l.config.MaxSends <= 0 {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, l.sendKey(action, email), l.config.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxSends) {
		return ErrRateLimited
	}
	return nil
}

// Remaining returns how many sends of action are left for email in the
// current window.
func (l *Limiter) Remaining(ctx context.Context, action, email string) (int, error) {
	if l == nil || l.redis == nil || l.config.MaxSends <= 0 {
		return 0, nil
	}
	count, err := l.redis.Get(ctx, l.sendKey(action, email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return l.config.MaxSends, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	left := int64(l.config.MaxSends) - count
	if left < 0 {
		return 0, nil
	}
	return int(left), nil
}

// Reset clears the counter of action for email.
func (l *Limiter) Reset(ctx context.Context, action, email string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, l.sendKey(action, email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) sendKey(action, email string) string {
	return l.config.Prefix + ":send:" + action + ":" + strings.ToLower(strings.TrimSpace(email))
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
