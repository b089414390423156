package rules

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is a simple in-memory implementation of RulesCache
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[string]cacheEntry),
		config:  config,
		now:     time.Now,
	}
}

// Get retrieves cached rules
// Returns false if the event type is not cached or expired
func (c *InMemoryRulesCache) Get(ctx context.Context, eventType string) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[eventType]
	if !ok {
		return nil, false
	}
	if c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL {
		return nil, false
	}

	// Return copy to prevent external modifications
	rulesCopy := make([]*Rule, len(entry.rules))
	copy(rulesCopy, entry.rules)
	return rulesCopy, true
}

// Set stores rules in cache
func (c *InMemoryRulesCache) Set(ctx context.Context, eventType string, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*Rule, len(rules))
	copy(stored, rules)
	c.entries[eventType] = cacheEntry{rules: stored, cachedAt: c.now()}
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}
