package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/querybridge/querybridge/core/logging"
)

// CacheKey derives the content address of a query invocation. Bound
// parameters are already normalized by the binder (map keys sort in JSON
// encoding, numbers are float64), so parameter order and numeric
// representation never split the key space.
func CacheKey(queryID string, params map[string]any) string {
	canonical, _ := json.Marshal(params)
	hash := sha256.Sum256(canonical)
	return queryID + ":" + hex.EncodeToString(hash[:])
}

// CacheStore is the storage behind the result cache. Implementations store
// serialized rows; a store error is treated as a miss by the cache, never
// surfaced to the caller.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// ResultCache caches canonical result rows per key with a strict TTL and
// guarantees at most one concurrent compute per key.
type ResultCache struct {
	store CacheStore
	group singleflight.Group
	log   *logging.Logger
}

// NewResultCache creates a cache over the given store; a nil store falls
// back to the in-process one
func NewResultCache(store CacheStore) *ResultCache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &ResultCache{
		store: store,
		log:   logging.New("engine:cache"),
	}
}

type cacheOutcome struct {
	rows   []Row
	cached bool
}

// GetOrCompute returns the cached rows for key, or runs compute exactly once
// for all concurrent callers of the same key. A failed or cancelled compute
// is never cached, and the in-flight handle is dropped once it settles so a
// failure does not poison the key.
func (c *ResultCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]Row, error)) ([]Row, bool, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		if rows, ok := c.lookup(ctx, key); ok {
			return cacheOutcome{rows: rows, cached: true}, nil
		}

		rows, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		// Never cache the result of a cancelled execution.
		if ctx.Err() == nil && ttl > 0 {
			c.storeRows(ctx, key, rows, ttl)
		}
		return cacheOutcome{rows: rows}, nil
	})
	c.group.Forget(key)

	if err != nil {
		return nil, false, err
	}
	outcome := v.(cacheOutcome)
	return outcome.rows, outcome.cached, nil
}

func (c *ResultCache) lookup(ctx context.Context, key string) ([]Row, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warnf("cache read failed, treating as miss: %v", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		c.log.Warnf("cache entry for %s is corrupt, treating as miss: %v", key, err)
		return nil, false
	}
	return rows, true
}

func (c *ResultCache) storeRows(ctx context.Context, key string, rows []Row, ttl time.Duration) {
	data, err := json.Marshal(rows)
	if err != nil {
		c.log.Warnf("cache serialization failed for %s: %v", key, err)
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.log.Warnf("cache write failed for %s: %v", key, err)
	}
}

// Invalidate removes one key
func (c *ResultCache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// InvalidateAll clears the cache
func (c *ResultCache) InvalidateAll(ctx context.Context) error {
	return c.store.Flush(ctx)
}

// Len returns the live entry count
func (c *ResultCache) Len(ctx context.Context) int {
	n, err := c.store.Len(ctx)
	if err != nil {
		return 0
	}
	return n
}

// memoryStore is the default in-process cache store
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-process cache store
func NewMemoryStore() CacheStore {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	// Expired entries are absent, never returned stale.
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{data: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	return nil
}

func (s *memoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
	return len(s.entries), nil
}

// redisStore shares the cache between instances via Redis
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed cache store
func NewRedisStore(client *redis.Client) CacheStore {
	return &redisStore{client: client, prefix: "querybridge:cache:"}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *redisStore) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *redisStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}
