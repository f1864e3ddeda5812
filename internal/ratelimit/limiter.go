// Package ratelimit caps outbound volume per mailbox provider with a
// fixed one-minute window shared through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "rate:"
	window    = time.Minute

	// DefaultKey is the Limits entry used for providers without their own limit.
	DefaultKey = "default"
)

// Limits maps a provider to the number of routing requests allowed per window.
type Limits map[string]int

// DefaultLimits returns the stock per-minute provider table.
func DefaultLimits() Limits {
	return Limits{
		"google":    20,
		"microsoft": 15,
		"yahoo":     10,
		DefaultKey:  5,
	}
}

// For returns the limit of provider, falling back to the default entry.
func (l Limits) For(provider string) int {
	if n, ok := l[provider]; ok {
		return n
	}
	if n, ok := l[DefaultKey]; ok {
		return n
	}
	return DefaultLimits()[DefaultKey]
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Limiter is safe for concurrent use across processes: the counter is only
// ever changed with INCR and DECR, never read-then-written.
type Limiter struct {
	client redis.Cmdable
	limits Limits
}

func NewLimiter(client redis.Cmdable, limits Limits) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{client: client, limits: limits}
}

func windowKey(provider string, now time.Time) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, provider, now.Unix()/int64(window/time.Second))
}

// Allow counts one request against provider's current window. When the
// window is already full the increment is undone and RetryAfter holds the
// time left until the window rolls over.
func (l *Limiter) Allow(ctx context.Context, provider string, now time.Time) (*Result, error) {
	key := windowKey(provider, now)
	limit := l.limits.For(provider)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", provider, err)
	}

	count := incr.Val()
	if count <= int64(limit) {
		return &Result{Allowed: true, Count: count, Limit: limit}, nil
	}

	if err := l.client.Decr(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("rate limit %s: release: %w", provider, err)
	}
	return &Result{
		Allowed:    false,
		Count:      count - 1,
		Limit:      limit,
		RetryAfter: now.Truncate(window).Add(window).Sub(now),
	}, nil
}
