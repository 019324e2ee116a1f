package shadow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "shadow"

// Cache stores shadow requirements in redis. Entries carry no TTL; they
// live until superseded by a refresh or invalidated by a hash mismatch.
// A nil client degrades to a no-op cache.
type Cache struct {
	client *redis.Client
}

// NewCache wraps the redis client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func cacheKey(repo, id string) string {
	return fmt.Sprintf("%s:%s:%s", cacheKeyPrefix, repo, id)
}

// Get returns the cached shadow for (repo, id), or nil when absent.
func (c *Cache) Get(ctx context.Context, repo, id string) (*ShadowRequirement, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, cacheKey(repo, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shadow: cache get: %w", err)
	}
	var sr ShadowRequirement
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("shadow: cache decode: %w", err)
	}
	return &sr, nil
}

// Put stores or replaces the cached shadow.
func (c *Cache) Put(ctx context.Context, sr ShadowRequirement) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("shadow: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(sr.ExternalRepo, sr.ReqID), raw, 0).Err(); err != nil {
		return fmt.Errorf("shadow: cache put: %w", err)
	}
	return nil
}

// Entries scans the whole shadow keyspace and returns every cached
// entry. Used by the background sweep; request paths read point-wise.
func (c *Cache) Entries(ctx context.Context) ([]ShadowRequirement, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	var out []ShadowRequirement
	iter := c.client.Scan(ctx, 0, cacheKeyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("shadow: cache scan get: %w", err)
		}
		var sr ShadowRequirement
		if err := json.Unmarshal(raw, &sr); err != nil {
			return nil, fmt.Errorf("shadow: cache scan decode: %w", err)
		}
		out = append(out, sr)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("shadow: cache scan: %w", err)
	}
	return out, nil
}

// Invalidate drops the cached shadow for (repo, id).
func (c *Cache) Invalidate(ctx context.Context, repo, id string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, cacheKey(repo, id)).Err(); err != nil {
		return fmt.Errorf("shadow: cache invalidate: %w", err)
	}
	return nil
}
