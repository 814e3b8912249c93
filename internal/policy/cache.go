package policy

import (
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	allow     bool
	expiresAt time.Time
}

// Cache memoizes evaluator decisions keyed by subject, resource and
// action. Entries live until explicitly invalidated when that
// subject's grants or the role catalog change; an optional TTL bounds
// staleness for deployments where the catalog can change elsewhere.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheTTL bounds entry lifetime. Zero, the default, keeps entries
// until invalidation.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithCacheClock overrides the time source, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache returns an empty decision cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(subjectID, resource, action string) string {
	return subjectID + ":" + resource + ":" + action
}

// Get returns the cached decision and whether a live entry exists.
func (c *Cache) Get(subjectID, resource, action string) (bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(subjectID, resource, action)]
	c.mu.RUnlock()
	if !ok {
		return false, false
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		return false, false
	}
	return entry.allow, true
}

// Set records a decision.
func (c *Cache) Set(subjectID, resource, action string, allow bool) {
	entry := cacheEntry{allow: allow}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[cacheKey(subjectID, resource, action)] = entry
	c.mu.Unlock()
}

// InvalidateSubject drops every cached decision for the given subject.
func (c *Cache) InvalidateSubject(subjectID string) {
	prefix := subjectID + ":"
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// InvalidateAll drops every cached decision.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of stored entries, live or expired.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
