package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestAcquireAndRelease(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	lock, err := s.Acquire(ctx, "publish:intent-1", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "publish:intent-1", lock.Resource)
	assert.NotEmpty(t, lock.Value)

	released, err := s.Release(ctx, lock)
	require.NoError(t, err)
	assert.True(t, released)

	// Released resource is acquirable again.
	_, err = s.Acquire(ctx, "publish:intent-1", 10*time.Second)
	assert.NoError(t, err)
}

func TestAcquireHeldResource(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "publish:intent-2", 10*time.Second)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "publish:intent-2", 10*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestReleaseAfterExpiry(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	lock, err := s.Acquire(ctx, "publish:intent-3", 50*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)

	released, err := s.Release(ctx, lock)
	require.NoError(t, err)
	assert.False(t, released, "expired lock must report not released")
}

func TestReleaseDoesNotFreeNewHolder(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	old, err := s.Acquire(ctx, "publish:intent-4", 50*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(100 * time.Millisecond)

	current, err := s.Acquire(ctx, "publish:intent-4", 10*time.Second)
	require.NoError(t, err)

	released, err := s.Release(ctx, old)
	require.NoError(t, err)
	assert.False(t, released)

	// The new holder's lock is untouched.
	_, err = s.Acquire(ctx, "publish:intent-4", 10*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	released, err = s.Release(ctx, current)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestAcquireDefaultsTTL(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	lock, err := s.Acquire(ctx, "publish:intent-5", 0)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, lock.TTL)
	assert.InDelta(t, 30*time.Second, mr.TTL("lock:publish:intent-5"), float64(time.Second))
}

func TestReleaseNilLock(t *testing.T) {
	s, _ := newTestService(t)

	released, err := s.Release(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, released)
}
