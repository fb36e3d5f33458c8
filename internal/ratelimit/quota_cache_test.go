package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxTTL time.Duration) (*QuotaCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewQuotaCache(client, maxTTL), mr
}

func TestQuotaCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, time.Minute)

	_, blocked, err := cache.BlockedUntil(ctx, "gemini_flash")
	require.NoError(t, err)
	assert.False(t, blocked)

	until := time.Now().Add(20 * time.Second).Truncate(time.Millisecond)
	require.NoError(t, cache.MarkBlocked(ctx, "gemini_flash", until))

	got, blocked, err := cache.BlockedUntil(ctx, "gemini_flash")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.True(t, got.Equal(until))

	_, blocked, _ = cache.BlockedUntil(ctx, "youtube_data")
	assert.False(t, blocked, "entries are per api")

	require.NoError(t, cache.Clear(ctx, "gemini_flash"))
	_, blocked, _ = cache.BlockedUntil(ctx, "gemini_flash")
	assert.False(t, blocked)
}

func TestQuotaCacheCapsTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, 5*time.Second)

	require.NoError(t, cache.MarkBlocked(ctx, "gemini_flash", time.Now().Add(24*time.Hour)))
	assert.LessOrEqual(t, mr.TTL("catalog:quota:blocked:gemini_flash"), 5*time.Second)

	mr.FastForward(6 * time.Second)
	_, blocked, err := cache.BlockedUntil(ctx, "gemini_flash")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestQuotaCacheIgnoresPastHorizon(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Minute)

	require.NoError(t, cache.MarkBlocked(ctx, "gemini_flash", time.Now().Add(-time.Second)))
	assert.False(t, mr.Exists("catalog:quota:blocked:gemini_flash"))
}
