// Package ratelimit provides Redis-based throttling of verification code
// sends and checks, and of phone lookups
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrRateLimited is returned when a rate limit is exceeded
var ErrRateLimited = errors.New("rate limit exceeded")

// Limits bounds how often codes may be sent to, and checked for, one phone
type Limits struct {
	SendLimit   int
	SendWindow  time.Duration
	CheckLimit  int
	CheckWindow time.Duration

	LookupLimit  int
	LookupWindow time.Duration
}

// DefaultLimits returns the recommended OTP limits
func DefaultLimits() Limits {
	return Limits{
		SendLimit:   5,
		SendWindow:  15 * time.Minute,
		CheckLimit:  10,
		CheckWindow: 15 * time.Minute,

		LookupLimit:  30,
		LookupWindow: 15 * time.Minute,
	}
}

// Limiter provides rate limiting functionality using Redis
type Limiter struct {
	redis  *redis.Client
	limits Limits
	logger *zap.Logger
}

// NewLimiter creates a new rate limiter. A nil client disables limiting.
func NewLimiter(redis *redis.Client, limits Limits, logger *zap.Logger) *Limiter {
	return &Limiter{redis: redis, limits: limits, logger: logger.Named("ratelimit")}
}

// AllowSend counts a code send for subject, a phone lookup key
func (l *Limiter) AllowSend(ctx context.Context, subject string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	key := fmt.Sprintf("ratelimit:otp:send:%s", subject)
	if err := l.checkLimit(ctx, key, l.limits.SendLimit, l.limits.SendWindow); err != nil {
		l.logger.Warn("otp send limit exceeded")
		return err
	}
	return nil
}

// AllowCheck counts a code check for subject, a phone lookup key
func (l *Limiter) AllowCheck(ctx context.Context, subject string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	key := fmt.Sprintf("ratelimit:otp:check:%s", subject)
	if err := l.checkLimit(ctx, key, l.limits.CheckLimit, l.limits.CheckWindow); err != nil {
		l.logger.Warn("otp check limit exceeded")
		return err
	}
	return nil
}

// AllowLookup counts a phone lookup batch made by subject, a user id
func (l *Limiter) AllowLookup(ctx context.Context, subject string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	key := fmt.Sprintf("ratelimit:lookup:%s", subject)
	if err := l.checkLimit(ctx, key, l.limits.LookupLimit, l.limits.LookupWindow); err != nil {
		l.logger.Warn("lookup limit exceeded", zap.String("user_id", subject))
		return err
	}
	return nil
}

// checkLimit increments the window counter. Redis errors fail open.
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return nil
	}

	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}
	return nil
}
