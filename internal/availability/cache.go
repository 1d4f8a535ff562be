package availability

import (
	"sync"
	"sync/atomic"
	"time"
)

// GrantCache is a TTL-based in-memory cache with stale-while-revalidate for grants.
// Uses sync.Map for lock-free reads on the hot path.
type GrantCache struct {
	store sync.Map // map[string]*grantCacheEntry
	ttl   time.Duration
}

type grantCacheEntry struct {
	grant      *Grant // nil = negative cache (no grant row)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// GrantCacheGetResult holds the result of a cache lookup.
type GrantCacheGetResult struct {
	Grant        *Grant // nil if not found or negative cache
	Hit          bool   // true if a value was found (fresh or stale)
	NeedsRefresh bool   // true if expired, caller should refresh in background
}

// NewGrantCache creates a cache with the given TTL.
func NewGrantCache(ttl time.Duration) *GrantCache {
	return &GrantCache{ttl: ttl}
}

func grantKey(projectID, name string) string {
	return projectID + ":" + name
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *GrantCache) Get(projectID, name string) GrantCacheGetResult {
	val, ok := c.store.Load(grantKey(projectID, name))
	if !ok {
		return GrantCacheGetResult{}
	}

	entry := val.(*grantCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return GrantCacheGetResult{Grant: entry.grant, Hit: true}
	}

	// Only one goroutine wins the CAS and refreshes.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GrantCacheGetResult{
		Grant:        entry.grant,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a grant with a fresh TTL. Passing nil stores a negative entry.
func (c *GrantCache) Set(projectID, name string, grant *Grant) {
	c.store.Store(grantKey(projectID, name), &grantCacheEntry{
		grant:     grant,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *GrantCache) Delete(projectID, name string) {
	c.store.Delete(grantKey(projectID, name))
}
