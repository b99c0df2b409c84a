package gate

import (
	"sync"
	"time"

	"github.com/alvmarrod/domain-enricher/internal/domain"
	"github.com/alvmarrod/domain-enricher/internal/storage"
)

type cacheEntry struct {
	entry   *storage.DomainModeration
	expires time.Time
}

// moderationCache holds blacklist lookups, including misses, for a bounded time
type moderationCache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newModerationCache(ttl time.Duration) *moderationCache {
	return &moderationCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *moderationCache) get(d string) (*storage.DomainModeration, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[d]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.entry, true
}

func (c *moderationCache) put(d string, entry *storage.DomainModeration) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[d] = cacheEntry{entry: entry, expires: c.now().Add(c.ttl)}
}

// invalidate drops d and every cached domain sharing its root
func (c *moderationCache) invalidate(d string) {
	root := domain.RootDomain(d)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key == d || domain.RootDomain(key) == root {
			delete(c.entries, key)
		}
	}
}
