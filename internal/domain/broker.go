package domain

import "time"

// Broker defaults. A job active beyond StalledInterval is a stall candidate;
// after MaxStalledCount stall events it is failed permanently.
const (
	StalledInterval = 300 * time.Second
	MaxStalledCount = 3
)

// BrokerJob is the durable job record owned by the broker from enqueue to
// terminal state. Workers lease it by claim.
type BrokerJob struct {
	ID                string
	Name              string
	Queue             string
	Payload           []byte
	Priority          Priority
	AttemptsMax       int
	AttemptsMade      int
	BackoffKind       BackoffKind
	BackoffBase       time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration
	Delay             time.Duration
	Stalls            int
}

// NextBackoff returns the re-enqueue delay for the job's next attempt.
func (j BrokerJob) NextBackoff() time.Duration {
	if j.BackoffKind != BackoffExponential {
		return j.BackoffBase
	}
	mult := j.BackoffMultiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(j.BackoffBase)
	for i := 1; i < j.AttemptsMade; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// QueueCounts is the per-queue metric snapshot.
type QueueCounts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

// Broker is the durable queue port: priority queues with delayed jobs,
// stalled-job recovery and pause/resume/clean.
type Broker interface {
	Enqueue(ctx Context, job BrokerJob) error
	// Claim leases the next waiting job, or returns nil when the queue is
	// empty or paused.
	Claim(ctx Context, queue string) (*BrokerJob, error)
	Complete(ctx Context, queue, id string) error
	// Fail re-enqueues with backoff while attempts remain and the failure is
	// retryable; otherwise the job is terminally failed.
	Fail(ctx Context, queue, id, reason string, retryable bool) error
	Remove(ctx Context, queue, id string) error
	// RecoverStalled re-queues jobs whose lease expired, permanently failing
	// jobs that stalled more than MaxStalledCount times.
	RecoverStalled(ctx Context, queue string) error
	Counts(ctx Context, queue string) (QueueCounts, error)
	Pause(ctx Context, queue string) error
	Resume(ctx Context, queue string) error
	Clean(ctx Context, queue string, grace time.Duration) error
	Close() error
}

// RateLimiter is the broker's atomic counter primitive. Allow returns false
// when the bucket for (bucket, jobName) is exhausted within the window.
type RateLimiter interface {
	Allow(ctx Context, bucket, jobName string, max int, window time.Duration) (bool, error)
}
