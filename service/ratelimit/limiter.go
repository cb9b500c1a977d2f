// Package ratelimit shares outbound request quotas (block explorers, RPC
// providers) across every process of a deployment using Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed-window counter: the first hit in a window sets its expiry.
var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Limiter allows at most limit requests per window for each key. A nil
// Limiter, or one without a Redis client, never blocks.
type Limiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	logger *slog.Logger

	consume func(ctx context.Context, key string) (int, time.Duration, error)
}

// New returns a Limiter. Windows shorter than a millisecond are raised to one.
func New(client redis.UniversalClient, prefix string, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "givewatch:rate_limit"
	}
	if window < time.Millisecond {
		window = time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		client: client,
		prefix: p,
		limit:  limit,
		window: window,
		logger: logger,
	}
	l.consume = l.consumeRedis
	return l
}

// Consume records one request against key and reports the count within the
// current window and the time until the window resets.
func (l *Limiter) Consume(ctx context.Context, key string) (int, time.Duration, error) {
	if l == nil || l.client == nil || l.limit <= 0 {
		return 0, 0, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, 0, nil
	}
	return l.consume(ctx, fmt.Sprintf("%s:%s", l.prefix, key))
}

func (l *Limiter) consumeRedis(ctx context.Context, key string) (int, time.Duration, error) {
	windowMs := l.window.Milliseconds()
	raw, err := windowScript.Run(ctx, l.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(count), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	return int(count), time.Duration(ttlMs) * time.Millisecond, nil
}

// Wait blocks until a request against key fits in the quota or ctx ends.
// Redis failures are logged and let the request through.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil || l.client == nil || l.limit <= 0 {
		return nil
	}
	for {
		count, retryAfter, err := l.Consume(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.WarnContext(ctx, "rate limiter unavailable, proceeding without quota",
				"key", key,
				"error", err,
			)
			return nil
		}
		if count <= l.limit {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = l.window
		}
		l.logger.DebugContext(ctx, "rate limit reached, waiting",
			"key", key,
			"count", count,
			"retry_after", retryAfter,
		)
		t := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
