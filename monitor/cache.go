// Package monitor aggregates pipeline, queue, stage, hardware, and
// data-quality metrics behind a short-TTL cache. On any upstream error
// the service returns zero-valued metric objects instead of failing,
// so dashboards degrade to blanks rather than errors.
package monitor

import (
	"sync"
	"time"
)

// purgeCutoff bounds how long an expired entry may linger before the
// periodic sweep removes it.
const purgeCutoff = time.Minute

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// ttlCache is a read-mostly cache with lazy purge on access and a
// periodic sweep of entries expired for longer than the cutoff.
type ttlCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newTTLCache() *ttlCache {
	return &ttlCache{entries: make(map[string]cacheEntry)}
}

// get returns the cached value when present and fresh. Expired entries
// are purged on access.
func (c *ttlCache) get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// set stores a value with the given TTL.
func (c *ttlCache) set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// invalidate removes one key, or everything when key is empty.
func (c *ttlCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}
	delete(c.entries, key)
}

// sweep removes entries that have been expired for longer than the
// cutoff.
func (c *ttlCache) sweep() {
	threshold := time.Now().Add(-purgeCutoff)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.expiresAt.Before(threshold) {
			delete(c.entries, key)
		}
	}
}

func (c *ttlCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
