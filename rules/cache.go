package rules

import (
	"context"
	"time"
)

// RulesCache caches one tenant's rules by event type so matching does not
// hit the store on every event. Mutations through the Engine invalidate it.
type RulesCache interface {
	// Get returns the cached rules for eventType. ok is false on a miss.
	Get(ctx context.Context, eventType string) (rules []*Rule, ok bool)

	// Set stores rules for eventType.
	Set(ctx context.Context, eventType string, rules []*Rule)

	// Invalidate drops every cached event type.
	Invalidate(ctx context.Context)
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: time.Minute}
}
