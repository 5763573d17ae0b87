// Package ratelimit implements a fixed-window request counter on Redis,
// shared with the lock coordinator's backing store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of the go-redis API the limiter needs.
// *redis.Client satisfies it.
type Client interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

type Limiter struct {
	client Client
	logger *slog.Logger
}

func NewLimiter(client Client, logger *slog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger}
}

// Allow counts one request for identity on endpoint and reports whether it
// is within max for the current window. A counting-backend failure fails
// open: payment availability beats strict abuse prevention.
func (l *Limiter) Allow(ctx context.Context, identity, endpoint string, max int64, window time.Duration) bool {
	key := fmt.Sprintf("payrate:%s:%s", endpoint, identity)

	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limiter backend unavailable, failing open",
			slog.String("endpoint", endpoint), slog.String("error", err.Error()))
		return true
	}
	if n == 1 {
		// First hit of the window starts its TTL.
		if err := l.client.PExpire(ctx, key, window).Err(); err != nil {
			l.logger.Warn("rate limiter expiry set failed",
				slog.String("endpoint", endpoint), slog.String("error", err.Error()))
		}
	}
	return n <= max
}
