package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the shared key/value surface behind the cross-replica build lock
// and the territory mapping snapshot. Misses are reported as redis.Nil so
// callers handle both backends the same way.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type RedisCache struct{ client *redis.Client }

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache backs a single replica when redis is unavailable. Build locks
// held here do not exclude other replicas.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	value   string
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]cacheEntry{}, now: time.Now}
}

func (m *MemoryCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.storeLocked(key, value, ttl)
	return true, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		return "", redis.Nil
	}
	return e.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(key, value, ttl)
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// liveLocked resolves key, dropping it first if its TTL has lapsed.
func (m *MemoryCache) liveLocked(key string) (cacheEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return cacheEntry{}, false
	}
	return e, true
}

// storeLocked writes key and reaps whatever else has expired, so abandoned
// locks and stale snapshots do not pile up between writes.
func (m *MemoryCache) storeLocked(key, value string, ttl time.Duration) {
	now := m.now()
	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)
		}
	}
	m.entries[key] = cacheEntry{value: value, expires: now.Add(ttl)}
}

// NewCache prefers redis when it answers a ping; otherwise the process runs
// on its own MemoryCache.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil && client.Ping(ctx).Err() == nil {
		return &RedisCache{client: client}
	}
	return NewMemoryCache()
}
