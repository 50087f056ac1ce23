// Package redislock implements the distributed lock port on Redis. Locks are
// value-checked on release and auto-expire at their TTL.
package redislock

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// releaseScript deletes the lock key only while it still holds our value, so
// an expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Service implements domain.LockService.
type Service struct {
	rdb redis.UniversalClient
}

// New constructs a lock service on the given client.
func New(rdb redis.UniversalClient) *Service {
	return &Service{rdb: rdb}
}

func lockKey(resource string) string { return "lock:" + resource }

// Acquire takes the lock with SET NX PX. Returns ErrLockHeld when another
// holder owns the resource.
func (s *Service) Acquire(ctx domain.Context, resource string, ttl time.Duration) (*domain.Lock, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	value := domain.NewID()
	ok, err := s.rdb.SetNX(ctx, lockKey(resource), value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redislock.Acquire: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("op=redislock.Acquire: %s: %w", resource, domain.ErrLockHeld)
	}
	return &domain.Lock{Resource: resource, Value: value, TTL: ttl}, nil
}

// Release frees the lock. Returns false when the lock already expired (and
// possibly changed hands), which callers log as a duplicate-work warning.
func (s *Service) Release(ctx domain.Context, lock *domain.Lock) (bool, error) {
	if lock == nil {
		return false, nil
	}
	res, err := releaseScript.Run(ctx, s.rdb, []string{lockKey(lock.Resource)}, lock.Value).Int()
	if err != nil {
		return false, fmt.Errorf("op=redislock.Release: %w", err)
	}
	return res == 1, nil
}
