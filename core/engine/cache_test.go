package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge/core/engine"
)

func TestCacheKeyStability(t *testing.T) {
	a := engine.CacheKey("users_by_department", map[string]any{
		"department": "engineering",
		"limit":      float64(50),
	})
	b := engine.CacheKey("users_by_department", map[string]any{
		"limit":      float64(50),
		"department": "engineering",
	})
	assert.Equal(t, a, b, "parameter order must not change the key")

	// Same numeric value through different Go types hashes identically.
	c := engine.CacheKey("users_by_department", map[string]any{
		"department": "engineering",
		"limit":      50,
	})
	assert.Equal(t, a, c)
}

func TestCacheKeyDiscriminates(t *testing.T) {
	base := engine.CacheKey("q", map[string]any{"v": "1"})

	assert.NotEqual(t, base, engine.CacheKey("other", map[string]any{"v": "1"}))
	assert.NotEqual(t, base, engine.CacheKey("q", map[string]any{"v": "2"}))
	assert.NotEqual(t, base, engine.CacheKey("q", map[string]any{"v": float64(1)}),
		"string and number parameter values are distinct invocations")
}

func TestGetOrComputeCachesRows(t *testing.T) {
	cache := engine.NewResultCache(nil)
	ctx := context.Background()

	computes := 0
	compute := func(context.Context) ([]engine.Row, error) {
		computes++
		return []engine.Row{{"name": "ada"}}, nil
	}

	rows, cached, err := cache.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "ada", rows[0]["name"])

	rows, cached, err = cache.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "ada", rows[0]["name"])
	assert.Equal(t, 1, computes)
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	cache := engine.NewResultCache(nil)
	ctx := context.Background()

	var computes atomic.Int64
	release := make(chan struct{})
	compute := func(context.Context) ([]engine.Row, error) {
		computes.Add(1)
		<-release
		return []engine.Row{{"n": float64(1)}}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = cache.GetOrCompute(ctx, "shared", time.Minute, compute)
		}(i)
	}

	// Give every goroutine time to join the in-flight call before it settles.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), computes.Load(), "concurrent callers share one compute")
}

func TestGetOrComputeNeverCachesErrors(t *testing.T) {
	cache := engine.NewResultCache(nil)
	ctx := context.Background()

	calls := 0
	_, _, err := cache.GetOrCompute(ctx, "k", time.Minute, func(context.Context) ([]engine.Row, error) {
		calls++
		return nil, assert.AnError
	})
	require.Error(t, err)

	rows, cached, err := cache.GetOrCompute(ctx, "k", time.Minute, func(context.Context) ([]engine.Row, error) {
		calls++
		return []engine.Row{{"ok": true}}, nil
	})
	require.NoError(t, err)
	assert.False(t, cached, "a failed compute must not poison the key")
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, calls)
}

func TestGetOrComputeSkipsCacheOnCancel(t *testing.T) {
	cache := engine.NewResultCache(nil)
	ctx, cancel := context.WithCancel(context.Background())

	rows, cached, err := cache.GetOrCompute(ctx, "k", time.Minute, func(context.Context) ([]engine.Row, error) {
		cancel()
		return []engine.Row{{"n": float64(1)}}, nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	require.Len(t, rows, 1)

	// The cancelled result was returned but never stored.
	_, cached, err = cache.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) ([]engine.Row, error) {
		return []engine.Row{{"n": float64(2)}}, nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestMemoryStoreTTL(t *testing.T) {
	cache := engine.NewResultCache(engine.NewMemoryStore())
	ctx := context.Background()

	_, _, err := cache.GetOrCompute(ctx, "k", 20*time.Millisecond, func(context.Context) ([]engine.Row, error) {
		return []engine.Row{{"n": float64(1)}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len(ctx))

	time.Sleep(40 * time.Millisecond)

	_, cached, err := cache.GetOrCompute(ctx, "k", 20*time.Millisecond, func(context.Context) ([]engine.Row, error) {
		return []engine.Row{{"n": float64(2)}}, nil
	})
	require.NoError(t, err)
	assert.False(t, cached, "expired entries never serve stale rows")
}

func TestInvalidate(t *testing.T) {
	cache := engine.NewResultCache(nil)
	ctx := context.Background()

	seed := func(key string) {
		_, _, err := cache.GetOrCompute(ctx, key, time.Minute, func(context.Context) ([]engine.Row, error) {
			return []engine.Row{{"k": key}}, nil
		})
		require.NoError(t, err)
	}
	seed("a")
	seed("b")
	require.Equal(t, 2, cache.Len(ctx))

	require.NoError(t, cache.Invalidate(ctx, "a"))
	assert.Equal(t, 1, cache.Len(ctx))

	require.NoError(t, cache.InvalidateAll(ctx))
	assert.Equal(t, 0, cache.Len(ctx))
}

func TestRedisStore(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := engine.NewResultCache(engine.NewRedisStore(client))
	ctx := context.Background()

	rows, cached, err := cache.GetOrCompute(ctx, "k", time.Minute, func(context.Context) ([]engine.Row, error) {
		return []engine.Row{{"name": "ada"}}, nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	require.Len(t, rows, 1)

	rows, cached, err = cache.GetOrCompute(ctx, "k", time.Minute, func(context.Context) ([]engine.Row, error) {
		t.Fatal("compute must not run on a warm key")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "ada", rows[0]["name"])

	// TTL is enforced by Redis itself.
	srv.FastForward(2 * time.Minute)
	_, cached, err = cache.GetOrCompute(ctx, "k", time.Minute, func(context.Context) ([]engine.Row, error) {
		return []engine.Row{{"name": "grace"}}, nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestRedisStoreUnavailableIsMiss(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()

	cache := engine.NewResultCache(engine.NewRedisStore(client))
	rows, cached, err := cache.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) ([]engine.Row, error) {
		return []engine.Row{{"name": "ada"}}, nil
	})
	require.NoError(t, err, "store faults degrade to a miss, never an execution error")
	assert.False(t, cached)
	require.Len(t, rows, 1)
}
