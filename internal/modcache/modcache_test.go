package modcache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workfabric/internal/modcache"
)

func TestModuleCacheLoadsOnce(t *testing.T) {
	var calls atomic.Int32
	cache := modcache.New(func() (string, error) {
		calls.Add(1)
		return "client", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.Get(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "client", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	// Subsequent gets reuse the memo.
	_, _ = cache.Get(context.Background())
	assert.Equal(t, int32(1), calls.Load())
}

func TestModuleCacheRetriesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("connect failed")
	cache := modcache.New(func() (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 42, nil
	})

	_, err := cache.Get(context.Background())
	require.ErrorIs(t, err, boom)

	v, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestModuleCacheContextCancel(t *testing.T) {
	release := make(chan struct{})
	cache := modcache.New(func() (string, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	v, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestKeyedModuleCachePerKey(t *testing.T) {
	var calls sync.Map
	cache := modcache.NewKeyed("test-perkey", func(key string) (string, error) {
		n, _ := calls.LoadOrStore(key, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		return "val:" + key, nil
	})

	a, err := cache.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "val:a", a)

	b, err := cache.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "val:b", b)

	_, _ = cache.Get(context.Background(), "a")
	n, _ := calls.Load("a")
	assert.Equal(t, int32(1), n.(*atomic.Int32).Load())
}

func TestKeyedModuleCacheFailureEvictsOnlyThatKey(t *testing.T) {
	var failuresLeft atomic.Int32
	failuresLeft.Store(1)
	cache := modcache.NewKeyed("test-evict", func(key string) (string, error) {
		if key == "bad" && failuresLeft.Add(-1) >= 0 {
			return "", errors.New("load failed")
		}
		return "ok:" + key, nil
	})

	good, err := cache.Get(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "ok:good", good)

	_, err = cache.Get(context.Background(), "bad")
	require.Error(t, err)

	// The failed key retries; the good key stays memoized.
	bad, err := cache.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, "ok:bad", bad)

	again, err := cache.Get(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "ok:good", again)
}
