package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetCacheNilIsDisabled(t *testing.T) {
	ctx := context.Background()
	var cache *TargetCache

	_, ok := cache.Get(ctx, "ark:/99166/x")
	assert.False(t, ok)
	cache.Set(ctx, "ark:/99166/x", "https://example.org/x")
	cache.Invalidate(ctx, "ark:/99166/x")
}
