package redisq

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// rateLimitScript is an atomic INCR-and-maybe-EXPIRE window counter. Returns
// 1 while the bucket has capacity, 0 once exhausted.
var rateLimitScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if c > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// RateLimiter implements domain.RateLimiter on Redis.
type RateLimiter struct {
	rdb redis.UniversalClient
}

// NewRateLimiter constructs a RateLimiter sharing the broker's client.
func NewRateLimiter(rdb redis.UniversalClient) *RateLimiter {
	return &RateLimiter{rdb: rdb}
}

// rateLimitKey builds `ratelimit:{bucket}:{job}`. The braces are a cluster
// hash tag: every key for a bucket routes to the same shard, so the counter
// script stays single-key atomic under Redis Cluster.
func rateLimitKey(bucket, jobName string) string {
	if bucket == "" {
		bucket = "global"
	}
	return fmt.Sprintf("ratelimit:{%s}:%s", bucket, jobName)
}

// Allow consumes one token from the (bucket, jobName) window counter.
func (r *RateLimiter) Allow(ctx domain.Context, bucket, jobName string, max int, window time.Duration) (bool, error) {
	res, err := rateLimitScript.Run(ctx, r.rdb,
		[]string{rateLimitKey(bucket, jobName)},
		max, window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("op=redisq.RateLimit: %w", err)
	}
	return res == 1, nil
}
