package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/querybridge/querybridge/core/shared/errors"
)

// RateLimiter enforces a definition's rateLimitPerMinute constraint.
// Allow returns the wait hint when the limit is exhausted.
type RateLimiter interface {
	Allow(ctx context.Context, queryID string, perMinute int) (bool, time.Duration, error)
}

// localLimiter is a process-local sliding window. It is the default; use
// the redis limiter when multiple instances must share a budget.
type localLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewLocalRateLimiter creates a process-local sliding-window limiter
func NewLocalRateLimiter() RateLimiter {
	return &localLimiter{windows: make(map[string][]time.Time), now: time.Now}
}

func (l *localLimiter) Allow(_ context.Context, queryID string, perMinute int) (bool, time.Duration, error) {
	if perMinute <= 0 {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Minute)
	window := l.windows[queryID]

	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= perMinute {
		l.windows[queryID] = kept
		retryAfter := time.Minute - now.Sub(kept[0])
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter, nil
	}

	l.windows[queryID] = append(kept, now)
	return true, 0, nil
}

// redisLimiter shares the budget across instances with a fixed one-minute
// window per query. Limiter errors fail open: throttling is a guard, not a
// correctness requirement.
type redisLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter creates a limiter backed by a shared Redis instance
func NewRedisRateLimiter(client *redis.Client) RateLimiter {
	return &redisLimiter{client: client}
}

func (r *redisLimiter) Allow(ctx context.Context, queryID string, perMinute int) (bool, time.Duration, error) {
	if perMinute <= 0 {
		return true, 0, nil
	}

	key := fmt.Sprintf("querybridge:ratelimit:%s:%d", queryID, time.Now().Unix()/60)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return true, 0, errors.Wrap(errors.ErrCodeCacheError, "rate limit check failed", err)
	}
	if count == 1 {
		r.client.Expire(ctx, key, 2*time.Minute)
	}
	if count > int64(perMinute) {
		remaining := 60 - time.Now().Unix()%60
		return false, time.Duration(remaining) * time.Second, nil
	}
	return true, 0, nil
}
