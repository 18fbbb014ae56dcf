package auth

import (
	"sync"
	"time"
)

// PermissionCache stores resolved permission sets per identity.
// Implementations must be safe for concurrent use. A process-local MemoryCache is the
// default; a shared implementation can back horizontally scaled deployments.
type PermissionCache interface {
	// Get returns the set cached for identityID if it is still fresh at now.
	Get(identityID string, now time.Time) (PermissionSet, bool)
	// Set stores set for identityID until expiresAt. The last write wins.
	Set(identityID string, set PermissionSet, expiresAt time.Time)
	// Delete drops the entry for identityID.
	Delete(identityID string)
}

type cacheEntry struct {
	set       PermissionSet
	expiresAt time.Time
}

// MemoryCache is an in-process PermissionCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

func (c *MemoryCache) Get(identityID string, now time.Time) (PermissionSet, bool) {
	c.mu.RLock()
	e, ok := c.entries[identityID]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return e.set, true
}

func (c *MemoryCache) Set(identityID string, set PermissionSet, expiresAt time.Time) {
	c.mu.Lock()
	c.entries[identityID] = cacheEntry{set: set, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(identityID string) {
	c.mu.Lock()
	delete(c.entries, identityID)
	c.mu.Unlock()
}

// Prune drops entries that are stale at now and returns how many were removed.
func (c *MemoryCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, fresh or stale.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
