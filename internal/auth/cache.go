package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL-based in-memory cache of verified keys with
// stale-while-revalidate. Uses sync.Map for lock-free reads on the hot path.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// Get performs a non-blocking cache lookup. Only the first caller to see an
// expired entry is told to refresh it.
func (c *Cache) Get(apiKey string) CacheGetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return CacheGetResult{}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Principal: entry.principal, Hit: true}
	}

	return CacheGetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a principal with a fresh TTL.
func (c *Cache) Set(apiKey string, principal *Principal) {
	c.store.Store(apiKey, &cacheEntry{
		principal: principal,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
