package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRateLimiter(rdb), mr
}

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "org-1", "publish_intent", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be allowed", i+1)
	}
	ok, err := rl.Allow(ctx, "org-1", "publish_intent", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fourth call must be rejected")
}

func TestRateLimiterBucketsAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()

	ok, err := rl.Allow(ctx, "org-1", "publish_intent", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = rl.Allow(ctx, "org-1", "publish_intent", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different bucket and a different job each have their own counter.
	ok, err = rl.Allow(ctx, "org-2", "publish_intent", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = rl.Allow(ctx, "org-1", "notify_dispatch", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterKeyFormat(t *testing.T) {
	rl, mr := newTestLimiter(t)
	ctx := context.Background()

	_, err := rl.Allow(ctx, "org-1", "publish_intent", 5, time.Minute)
	require.NoError(t, err)
	v, err := mr.Get("ratelimit:{org-1}:publish_intent")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = rl.Allow(ctx, "", "publish_intent", 5, time.Minute)
	require.NoError(t, err)
	v, err = mr.Get("ratelimit:{global}:publish_intent")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestRateLimiterWindowExpires(t *testing.T) {
	rl, mr := newTestLimiter(t)
	ctx := context.Background()

	ok, err := rl.Allow(ctx, "org-1", "publish_intent", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = rl.Allow(ctx, "org-1", "publish_intent", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(100 * time.Millisecond)

	ok, err = rl.Allow(ctx, "org-1", "publish_intent", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "counter must reset after the window expires")
}
