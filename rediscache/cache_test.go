package rediscache_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/rediscache"
	"github.com/petitio/token-billing/testcontainers"
)

func TestBalanceCacheRoundTrip(t *testing.T) {
	testcontainers.WithTestContext(t, func(tc *testcontainers.TestContext) {
		ctx := tc.Context()

		cache, err := rediscache.New(rediscache.Config{Addr: tc.RedisAddr}, zap.NewNop())
		require.NoError(t, err)
		defer cache.Close()

		_, ok := cache.Get(ctx, "user-1")
		require.False(t, ok, "expected miss before any write")

		cache.Set(ctx, "user-1", 96)

		balance, ok := cache.Get(ctx, "user-1")
		require.True(t, ok)
		require.Equal(t, 96, balance)

		cache.Invalidate(ctx, "user-1")

		_, ok = cache.Get(ctx, "user-1")
		require.False(t, ok, "expected miss after invalidation")
	})
}

func TestBalanceCacheIsolatesUsers(t *testing.T) {
	testcontainers.WithTestContext(t, func(tc *testcontainers.TestContext) {
		ctx := tc.Context()

		cache, err := rediscache.New(rediscache.Config{Addr: tc.RedisAddr}, zap.NewNop())
		require.NoError(t, err)
		defer cache.Close()

		cache.Set(ctx, "user-1", 48)
		cache.Set(ctx, "user-2", 160)
		cache.Invalidate(ctx, "user-1")

		_, ok := cache.Get(ctx, "user-1")
		require.False(t, ok)

		balance, ok := cache.Get(ctx, "user-2")
		require.True(t, ok)
		require.Equal(t, 160, balance)
	})
}
