package dispatch

import (
	"context"
	"time"

	platformredis "pidserv/internal/platform/redis"
)

// TargetCache is a short-TTL redis cache of resolved targets. It is purely
// disposable; the store stays authoritative and every mutation invalidates
// the entry. All methods are safe on a nil receiver, which means "cache
// disabled".
type TargetCache struct {
	client *platformredis.Client
	ttl    time.Duration
}

func NewTargetCache(client *platformredis.Client, ttl time.Duration) *TargetCache {
	if client == nil {
		return nil
	}
	return &TargetCache{client: client, ttl: ttl}
}

func key(id string) string {
	return "target:" + id
}

func (c *TargetCache) Get(ctx context.Context, id string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, err := c.client.Get(ctx, key(id)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *TargetCache) Set(ctx context.Context, id, target string) {
	if c == nil {
		return
	}
	// Best effort; a failed fill only costs a store read later.
	c.client.Set(ctx, key(id), target, c.ttl)
}

func (c *TargetCache) Invalidate(ctx context.Context, id string) {
	if c == nil {
		return
	}
	c.client.Del(ctx, key(id))
}
