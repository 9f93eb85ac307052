package bus

import (
	"sync"
	"time"
)

// DedupeCache tracks recently seen message keys so transports that
// redeliver updates (long-poll restarts, bridge reconnects) do not
// produce duplicate agent turns.
type DedupeCache struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	ttl        time.Duration
	maxEntries int
}

// NewDedupeCache builds a cache that remembers keys for ttl and holds at
// most maxEntries before evicting the oldest.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	return &DedupeCache{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// IsDuplicate reports whether key was seen within the TTL, recording it
// as seen either way.
func (c *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.seen[key] = now
	return false
}

// evictLocked drops expired entries, then the oldest if still at the
// cap.
func (c *DedupeCache) evictLocked(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	if len(c.seen) < c.maxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for k, at := range c.seen {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	delete(c.seen, oldestKey)
}
