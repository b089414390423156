package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/tenant"
)

// RedisRulesCache implements RulesCache in Redis so every server process
// sees the same invalidations. A tenant's rules live in one hash keyed by
// event type; Invalidate deletes the hash.
type RedisRulesCache struct {
	client redis.UniversalClient
	key    string
	config CacheConfig
	logger *slog.Logger
}

// NewRedisRulesCache creates a cache for one tenant.
func NewRedisRulesCache(client redis.UniversalClient, tenantID tenant.ID, config CacheConfig) *RedisRulesCache {
	return &RedisRulesCache{
		client: client,
		key:    fmt.Sprintf("automation:rules:%s", tenantID),
		config: config,
		logger: logger.Component("rules_cache"),
	}
}

// Get treats any Redis failure as a miss so matching falls back to the store.
func (c *RedisRulesCache) Get(ctx context.Context, eventType string) ([]*Rule, bool) {
	raw, err := c.client.HGet(ctx, c.key, eventType).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("redis cache read failed", "key", c.key, "error", err)
		return nil, false
	}
	var rules []*Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		c.logger.Warn("redis cache entry corrupt", "key", c.key, "event_type", eventType, "error", err)
		return nil, false
	}
	return rules, true
}

func (c *RedisRulesCache) Set(ctx context.Context, eventType string, rules []*Rule) {
	raw, err := json.Marshal(rules)
	if err != nil {
		c.logger.Warn("failed to encode rules for cache", "error", err)
		return
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key, eventType, raw)
	if c.config.TTL > 0 {
		pipe.Expire(ctx, c.key, c.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("redis cache write failed", "key", c.key, "error", err)
	}
}

func (c *RedisRulesCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		c.logger.Warn("redis cache invalidation failed", "key", c.key, "error", err)
	}
}
