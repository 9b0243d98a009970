//go:build integration

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidserv/internal/platform/config"
	platformredis "pidserv/internal/platform/redis"
	"pidserv/pkg/testutil/containers"
)

func TestTargetCacheRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	rc := containers.NewRedisContainer(t)

	client, err := platformredis.New(config.RedisConfig{
		URL:          rc.URL,
		TargetTTL:    time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	cache := NewTargetCache(client, time.Minute)

	_, ok := cache.Get(ctx, "ark:/99166/x")
	assert.False(t, ok)

	cache.Set(ctx, "ark:/99166/x", "https://example.org/x")
	got, ok := cache.Get(ctx, "ark:/99166/x")
	require.True(t, ok)
	assert.Equal(t, "https://example.org/x", got)

	cache.Invalidate(ctx, "ark:/99166/x")
	_, ok = cache.Get(ctx, "ark:/99166/x")
	assert.False(t, ok)
}
