// Package redisq implements the durable queue broker on Redis: strict
// priority queues with FIFO tie-break, delayed jobs, stalled-job recovery and
// an atomic rate-limit counter.
package redisq

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// Waiting scores are priority*2^40+seq so lower priority wins and ties break
// FIFO. Both factors stay far below float64's 2^53 integer ceiling.
const prioShift = float64(1 << 40)

// promoteScript moves due delayed jobs into the waiting set at their priority
// score.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for i, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local prio = tonumber(redis.call('HGET', ARGV[2] .. id, 'priority') or '50')
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], prio * 1099511627776 + seq, id)
end
return #due
`)

// claimScript pops the lowest-scored waiting job and leases it in the active
// set until now+lease. Returns false when paused or empty.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return false end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return false end
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), popped[1])
return popped[1]
`)

// recoverScript re-queues expired leases, returning the ids that exceeded the
// stall budget and must be failed permanently.
var recoverScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local dead = {}
for i, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local stalls = redis.call('HINCRBY', ARGV[3] .. id, 'stalls', 1)
  if stalls > tonumber(ARGV[2]) then
    table.insert(dead, id)
  else
    local prio = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority') or '50')
    local seq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', KEYS[2], prio * 1099511627776 + seq, id)
  end
end
return dead
`)

// Broker implements domain.Broker on a Redis client.
type Broker struct {
	rdb             redis.UniversalClient
	stalledInterval time.Duration
	maxStalled      int
}

// New constructs a Broker with the default stall budget (300s interval,
// 3 stalls before permanent failure).
func New(rdb redis.UniversalClient) *Broker {
	return &Broker{rdb: rdb, stalledInterval: domain.StalledInterval, maxStalled: domain.MaxStalledCount}
}

// NewFromURL dials Redis from a URL.
func NewFromURL(url string) (*Broker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.New: %w", err)
	}
	return New(redis.NewClient(opt)), nil
}

func keyWaiting(q string) string { return "q:" + q + ":waiting" }
func keyDelayed(q string) string { return "q:" + q + ":delayed" }
func keyActive(q string) string  { return "q:" + q + ":active" }
func keySeq(q string) string     { return "q:" + q + ":seq" }
func keyPaused(q string) string  { return "q:" + q + ":paused" }
func keyDone(q string) string    { return "q:" + q + ":completed" }
func keyFailed(q string) string  { return "q:" + q + ":failed" }
func keyJobPrefix(q string) string { return "q:" + q + ":job:" }
func keyJob(q, id string) string { return keyJobPrefix(q) + id }

// Enqueue writes the job record and places it in the waiting or delayed set.
func (b *Broker) Enqueue(ctx domain.Context, job domain.BrokerJob) error {
	fields := map[string]any{
		"name":               job.Name,
		"payload":            job.Payload,
		"priority":           int(job.Priority),
		"attempts_max":       job.AttemptsMax,
		"attempts_made":      job.AttemptsMade,
		"backoff_kind":       string(job.BackoffKind),
		"backoff_base_ms":    job.BackoffBase.Milliseconds(),
		"backoff_multiplier": strconv.FormatFloat(job.BackoffMultiplier, 'f', -1, 64),
		"timeout_ms":         job.Timeout.Milliseconds(),
		"stalls":             job.Stalls,
		"enqueued_at_ms":     time.Now().UnixMilli(),
	}

	if err := b.rdb.HSet(ctx, keyJob(job.Queue, job.ID), fields).Err(); err != nil {
		return fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	if job.Delay > 0 {
		err := b.rdb.ZAdd(ctx, keyDelayed(job.Queue), redis.Z{
			Score:  float64(time.Now().Add(job.Delay).UnixMilli()),
			Member: job.ID,
		}).Err()
		if err != nil {
			return fmt.Errorf("op=redisq.Enqueue: %w", err)
		}
		return nil
	}
	seq, err := b.rdb.Incr(ctx, keySeq(job.Queue)).Result()
	if err != nil {
		return fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	score := float64(job.Priority)*prioShift + float64(seq)
	if err := b.rdb.ZAdd(ctx, keyWaiting(job.Queue), redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	return nil
}

// Claim promotes due delayed jobs, then leases the next waiting job. Returns
// nil when the queue is paused or empty.
func (b *Broker) Claim(ctx domain.Context, queue string) (*domain.BrokerJob, error) {
	now := time.Now().UnixMilli()
	if err := promoteScript.Run(ctx, b.rdb,
		[]string{keyDelayed(queue), keyWaiting(queue), keySeq(queue)},
		now, keyJobPrefix(queue),
	).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("op=redisq.Claim: promote: %w", err)
	}

	res, err := claimScript.Run(ctx, b.rdb,
		[]string{keyWaiting(queue), keyActive(queue), keyPaused(queue)},
		now, b.stalledInterval.Milliseconds(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=redisq.Claim: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	job, err := b.loadJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (b *Broker) loadJob(ctx domain.Context, queue, id string) (*domain.BrokerJob, error) {
	fields, err := b.rdb.HGetAll(ctx, keyJob(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.loadJob: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("op=redisq.loadJob: job %s: %w", id, domain.ErrNotFound)
	}
	job := &domain.BrokerJob{ID: id, Queue: queue, Name: fields["name"], Payload: []byte(fields["payload"])}
	job.Priority = domain.Priority(atoi(fields["priority"]))
	job.AttemptsMax = atoi(fields["attempts_max"])
	job.AttemptsMade = atoi(fields["attempts_made"])
	job.BackoffKind = domain.BackoffKind(fields["backoff_kind"])
	job.BackoffBase = time.Duration(atoi(fields["backoff_base_ms"])) * time.Millisecond
	job.BackoffMultiplier = atof(fields["backoff_multiplier"])
	job.Timeout = time.Duration(atoi(fields["timeout_ms"])) * time.Millisecond
	job.Stalls = atoi(fields["stalls"])
	return job, nil
}

// Complete removes the job from the active set and deletes its record.
func (b *Broker) Complete(ctx domain.Context, queue, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive(queue), id)
	pipe.Del(ctx, keyJob(queue, id))
	pipe.Incr(ctx, keyDone(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.Complete: %w", err)
	}
	return nil
}

// Fail records the attempt; while attempts remain and the failure is
// retryable the job is re-enqueued into the delayed set per its backoff
// policy, otherwise it is failed terminally.
func (b *Broker) Fail(ctx domain.Context, queue, id, reason string, retryable bool) error {
	job, err := b.loadJob(ctx, queue, id)
	if err != nil {
		return err
	}
	job.AttemptsMade++

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive(queue), id)
	pipe.HSet(ctx, keyJob(queue, id), "attempts_made", job.AttemptsMade, "last_error", reason)

	if retryable && job.AttemptsMade <= job.AttemptsMax {
		wake := time.Now().Add(job.NextBackoff())
		pipe.ZAdd(ctx, keyDelayed(queue), redis.Z{Score: float64(wake.UnixMilli()), Member: id})
	} else {
		pipe.Incr(ctx, keyFailed(queue))
		// Terminal records are retained briefly for inspection.
		pipe.Expire(ctx, keyJob(queue, id), 24*time.Hour)
		slog.Warn("job failed terminally",
			slog.String("queue", queue),
			slog.String("job_id", id),
			slog.Int("attempts", job.AttemptsMade),
			slog.String("reason", reason))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.Fail: %w", err)
	}
	return nil
}

// Remove deletes the job from every set and drops its record (cancel path).
func (b *Broker) Remove(ctx domain.Context, queue, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, keyWaiting(queue), id)
	pipe.ZRem(ctx, keyDelayed(queue), id)
	pipe.ZRem(ctx, keyActive(queue), id)
	pipe.Del(ctx, keyJob(queue, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.Remove: %w", err)
	}
	return nil
}

// RecoverStalled re-queues jobs whose lease expired; jobs past the stall
// budget are failed permanently.
func (b *Broker) RecoverStalled(ctx domain.Context, queue string) error {
	res, err := recoverScript.Run(ctx, b.rdb,
		[]string{keyActive(queue), keyWaiting(queue), keySeq(queue)},
		time.Now().UnixMilli(), b.maxStalled, keyJobPrefix(queue),
	).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=redisq.RecoverStalled: %w", err)
	}
	dead, _ := res.([]any)
	for _, v := range dead {
		id, _ := v.(string)
		if id == "" {
			continue
		}
		if err := b.Fail(ctx, queue, id, "stalled more than max-stalled-count times", false); err != nil {
			slog.Error("failed to fail stalled job", slog.String("job_id", id), slog.Any("error", err))
		}
	}
	return nil
}

// Counts returns the queue metric snapshot. A failing metric yields zero for
// that metric, not an error.
func (b *Broker) Counts(ctx domain.Context, queue string) (domain.QueueCounts, error) {
	var c domain.QueueCounts
	if n, err := b.rdb.ZCard(ctx, keyWaiting(queue)).Result(); err == nil {
		c.Waiting = n
	}
	if n, err := b.rdb.ZCard(ctx, keyActive(queue)).Result(); err == nil {
		c.Active = n
	}
	if n, err := b.rdb.ZCard(ctx, keyDelayed(queue)).Result(); err == nil {
		c.Delayed = n
	}
	if v, err := b.rdb.Get(ctx, keyDone(queue)).Result(); err == nil {
		c.Completed = int64(atoi(v))
	}
	if v, err := b.rdb.Get(ctx, keyFailed(queue)).Result(); err == nil {
		c.Failed = int64(atoi(v))
	}
	return c, nil
}

// Pause marks the queue so Claim returns nothing until Resume.
func (b *Broker) Pause(ctx domain.Context, queue string) error {
	if err := b.rdb.Set(ctx, keyPaused(queue), "1", 0).Err(); err != nil {
		return fmt.Errorf("op=redisq.Pause: %w", err)
	}
	return nil
}

// Resume clears the pause flag.
func (b *Broker) Resume(ctx domain.Context, queue string) error {
	if err := b.rdb.Del(ctx, keyPaused(queue)).Err(); err != nil {
		return fmt.Errorf("op=redisq.Resume: %w", err)
	}
	return nil
}

// Clean drops waiting and delayed jobs enqueued more than grace ago.
func (b *Broker) Clean(ctx domain.Context, queue string, grace time.Duration) error {
	cutoff := time.Now().Add(-grace).UnixMilli()
	for _, set := range []string{keyWaiting(queue), keyDelayed(queue)} {
		ids, err := b.rdb.ZRange(ctx, set, 0, 999).Result()
		if err != nil {
			return fmt.Errorf("op=redisq.Clean: %w", err)
		}
		for _, id := range ids {
			v, err := b.rdb.HGet(ctx, keyJob(queue, id), "enqueued_at_ms").Result()
			if err != nil {
				continue
			}
			if int64(atoi(v)) <= cutoff {
				pipe := b.rdb.TxPipeline()
				pipe.ZRem(ctx, set, id)
				pipe.Del(ctx, keyJob(queue, id))
				if _, err := pipe.Exec(ctx); err != nil {
					return fmt.Errorf("op=redisq.Clean: %w", err)
				}
			}
		}
	}
	return nil
}

// Close tears down the underlying client.
func (b *Broker) Close() error { return b.rdb.Close() }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
