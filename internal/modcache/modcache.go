// Package modcache memoizes lazy loaders for process-lifetime singletons
// (broker clients, lock clients, adapters). A failed load clears the memo so
// the next caller retries; a successful load is retained for the process
// lifetime. Never wrap these in a TTL cache: evicting a live client singleton
// orphans its connections.
package modcache

import (
	"context"
	"sync"

	"github.com/fairyhunter13/workfabric/internal/observability"
)

// flight is one in-progress or settled load.
type flight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// ModuleCache memoizes a single loader. Concurrent callers share one in-flight
// load; there is no busy-wait and no recursion.
type ModuleCache[T any] struct {
	mu      sync.Mutex
	loader  func() (T, error)
	current *flight[T]
}

// New constructs a ModuleCache around loader.
func New[T any](loader func() (T, error)) *ModuleCache[T] {
	return &ModuleCache[T]{loader: loader}
}

// Get returns the cached value, starting the loader if needed. On loader
// failure the memo is cleared only if it still points at this flight, so a
// newer attempt started meanwhile is left in place.
func (c *ModuleCache[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	f := c.current
	if f == nil {
		f = &flight[T]{done: make(chan struct{})}
		c.current = f
		go c.load(f)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.done:
	}
	return f.val, f.err
}

func (c *ModuleCache[T]) load(f *flight[T]) {
	f.val, f.err = c.loader()
	if f.err != nil {
		c.mu.Lock()
		if c.current == f {
			c.current = nil
		}
		c.mu.Unlock()
	}
	close(f.done)
}

// KeyedModuleCache memoizes one loader result per key with the same
// snapshot-compare semantics. Loads run under a dedicated circuit breaker
// (threshold 5, reset 30s, half-open 3); the flight map itself deduplicates,
// so no per-key lock is needed.
type KeyedModuleCache[T any] struct {
	mu      sync.Mutex
	loader  func(key string) (T, error)
	flights map[string]*flight[T]
	breaker *observability.CircuitBreaker
}

// NewKeyed constructs a KeyedModuleCache around loader. name identifies the
// backing circuit breaker in the registry.
func NewKeyed[T any](name string, loader func(key string) (T, error)) *KeyedModuleCache[T] {
	return &KeyedModuleCache[T]{
		loader:  loader,
		flights: map[string]*flight[T]{},
		breaker: observability.Breaker("modcache:"+name, observability.DefaultBreakerConfig()),
	}
}

// Get returns the cached value for key, loading it if needed.
func (c *KeyedModuleCache[T]) Get(ctx context.Context, key string) (T, error) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if !ok {
		f = &flight[T]{done: make(chan struct{})}
		c.flights[key] = f
		go c.load(key, f)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.done:
	}
	return f.val, f.err
}

func (c *KeyedModuleCache[T]) load(key string, f *flight[T]) {
	f.err = c.breaker.Execute(context.Background(), func(context.Context) error {
		var err error
		f.val, err = c.loader(key)
		return err
	})
	if f.err != nil {
		c.mu.Lock()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
		c.mu.Unlock()
	}
	close(f.done)
}
