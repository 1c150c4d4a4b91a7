package core

import (
	"sync"
	"time"
)

// uomCache caches resolved unit definitions by id with a fixed TTL.
// Invalidation contract: any mutation of a uom's base_unit or
// conversion_factor must call forget(id) (surfaced to callers as
// UomService.Invalidate); stale entries otherwise expire after ttl.
type uomCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[int]uomCacheEntry
}

type uomCacheEntry struct {
	uom       Uom
	expiresAt time.Time
}

func newUomCache(ttl time.Duration) *uomCache {
	return &uomCache{ttl: ttl, entries: make(map[int]uomCacheEntry)}
}

func (c *uomCache) get(id int) (Uom, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return Uom{}, false
	}
	return entry.uom, true
}

func (c *uomCache) set(u Uom) {
	c.mu.Lock()
	c.entries[u.ID] = uomCacheEntry{uom: u, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *uomCache) forget(id int) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
