package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

type failCall struct {
	id        string
	reason    string
	retryable bool
}

// fakeBroker is an in-memory domain.Broker recording every mutation.
type fakeBroker struct {
	mu        sync.Mutex
	waiting   []domain.BrokerJob
	counts    domain.QueueCounts
	countsErr error
	enqueued  []domain.BrokerJob
	completed []string
	failed    []failCall
	removed   []string
}

func (f *fakeBroker) Enqueue(_ domain.Context, job domain.BrokerJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	if job.Delay == 0 {
		f.waiting = append(f.waiting, job)
	}
	return nil
}

func (f *fakeBroker) Claim(_ domain.Context, queue string) (*domain.BrokerJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, job := range f.waiting {
		if job.Queue == queue {
			f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
			j := job
			return &j, nil
		}
	}
	return nil, nil
}

func (f *fakeBroker) Complete(_ domain.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeBroker) Fail(_ domain.Context, _, id, reason string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failCall{id: id, reason: reason, retryable: retryable})
	return nil
}

func (f *fakeBroker) Remove(_ domain.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeBroker) RecoverStalled(domain.Context, string) error { return nil }

func (f *fakeBroker) Counts(domain.Context, string) (domain.QueueCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts, f.countsErr
}

func (f *fakeBroker) Pause(domain.Context, string) error { return nil }

func (f *fakeBroker) Resume(domain.Context, string) error { return nil }

func (f *fakeBroker) Clean(domain.Context, string, time.Duration) error { return nil }

func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) lastEnqueued(t *testing.T) domain.BrokerJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.enqueued)
	return f.enqueued[len(f.enqueued)-1]
}

type fakeLimiter struct {
	allowed bool
	bucket  string
	job     string
}

func (f *fakeLimiter) Allow(_ domain.Context, bucket, jobName string, _ int, _ time.Duration) (bool, error) {
	f.bucket = bucket
	f.job = jobName
	return f.allowed, nil
}

func newTestScheduler(t *testing.T, broker *fakeBroker, limiter domain.RateLimiter) (*Scheduler, *Registry) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(JobConfig{
		Name:       "publish_intent",
		Queue:      "publish",
		Priority:   domain.PriorityHigh,
		MaxRetries: 2,
	}, noopHandler))
	return New(reg, broker, limiter, nil, 1), reg
}

func TestScheduleUnregisteredJob(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, nil)
	_, err := s.Schedule(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSchedulePayloadTooLarge(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, nil)
	_, err := s.Schedule(context.Background(), "publish_intent", make([]byte, 1<<20+1))
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)
}

func TestScheduleBackpressure(t *testing.T) {
	broker := &fakeBroker{counts: domain.QueueCounts{Waiting: 1001}}
	s, _ := newTestScheduler(t, broker, nil)
	_, err := s.Schedule(context.Background(), "publish_intent", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrBackpressure)

	// Exactly at the threshold still schedules.
	broker.counts.Waiting = 1000
	_, err = s.Schedule(context.Background(), "publish_intent", []byte(`{}`))
	assert.NoError(t, err)
}

func TestScheduleEnqueuesRegisteredConfig(t *testing.T) {
	broker := &fakeBroker{}
	s, _ := newTestScheduler(t, broker, nil)

	id, err := s.Schedule(context.Background(), "publish_intent", []byte(`{"intent":"i-1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job := broker.lastEnqueued(t)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "publish", job.Queue)
	assert.Equal(t, domain.PriorityHigh, job.Priority)
	assert.Equal(t, 2, job.AttemptsMax)
	assert.Equal(t, 30*time.Second, job.Timeout)
}

func TestSchedulePriorityOverride(t *testing.T) {
	broker := &fakeBroker{}
	s, _ := newTestScheduler(t, broker, nil)

	_, err := s.Schedule(context.Background(), "publish_intent", nil, WithPriority(42))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = s.Schedule(context.Background(), "publish_intent", nil, WithPriority(domain.PriorityCritical))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityCritical, broker.lastEnqueued(t).Priority)
}

func TestScheduleJobIDOverride(t *testing.T) {
	broker := &fakeBroker{}
	s, _ := newTestScheduler(t, broker, nil)

	id, err := s.Schedule(context.Background(), "publish_intent", nil, WithJobID("stable-id"))
	require.NoError(t, err)
	assert.Equal(t, "stable-id", id)
}

func TestScheduleRateLimitRejects(t *testing.T) {
	broker := &fakeBroker{}
	limiter := &fakeLimiter{allowed: false}
	s, reg := newTestScheduler(t, broker, limiter)
	require.NoError(t, reg.Register(JobConfig{
		Name:      "notify_dispatch",
		Queue:     "notifications",
		RateLimit: &RateLimit{Max: 10, Window: time.Minute},
	}, noopHandler))

	_, err := s.Schedule(context.Background(), "notify_dispatch", nil, WithOrg("org-1"))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	var rle *domain.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, time.Minute, rle.RetryAfter, "retry-after is the limit window")
	assert.Equal(t, "org-1", limiter.bucket)
	assert.Equal(t, "notify_dispatch", limiter.job)

	broker.mu.Lock()
	assert.Empty(t, broker.enqueued, "a rejected schedule must not enqueue")
	broker.mu.Unlock()

	limiter.allowed = true
	_, err = s.Schedule(context.Background(), "notify_dispatch", nil, WithOrg("org-1"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), broker.lastEnqueued(t).Delay)
}

func TestScheduleRefusesGatedStub(t *testing.T) {
	broker := &fakeBroker{}
	s, reg := newTestScheduler(t, broker, nil)
	enabled := false
	require.NoError(t, reg.Register(JobConfig{
		Name:  "feedback_ingest",
		Queue: "feedback",
		Probe: func() error {
			if !enabled {
				return fmt.Errorf("feedback ingestion disabled: %w", domain.ErrNotImplemented)
			}
			return nil
		},
	}, noopHandler))

	_, err := s.Schedule(context.Background(), "feedback_ingest", []byte(`{}`))
	require.ErrorIs(t, err, domain.ErrNotImplemented)
	broker.mu.Lock()
	assert.Empty(t, broker.enqueued, "gated stubs never reach a queue")
	broker.mu.Unlock()

	enabled = true
	_, err = s.Schedule(context.Background(), "feedback_ingest", []byte(`{}`))
	assert.NoError(t, err)
}

func TestStartWorkersTwice(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, nil)
	require.NoError(t, s.StartWorkers(context.Background()))
	defer func() { _ = s.Stop() }()

	assert.ErrorIs(t, s.StartWorkers(context.Background()), domain.ErrConflict)
}

func TestWorkerCompletesJob(t *testing.T) {
	broker := &fakeBroker{}
	reg := NewRegistry()
	ran := make(chan string, 1)
	require.NoError(t, reg.Register(JobConfig{Name: "ok_job", Queue: "q"}, func(_ domain.Context, job *domain.BrokerJob) error {
		ran <- job.ID
		return nil
	}))
	s := New(reg, broker, nil, nil, 1)

	done := make(chan JobEvent, 1)
	s.Subscribe("completed", func(ev JobEvent) { done <- ev })

	_, err := s.Schedule(context.Background(), "ok_job", []byte(`{}`), WithJobID("job-ok"))
	require.NoError(t, err)
	require.NoError(t, s.StartWorkers(context.Background()))
	defer func() { _ = s.Stop() }()

	select {
	case id := <-ran:
		assert.Equal(t, "job-ok", id)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}
	select {
	case ev := <-done:
		assert.Equal(t, "job-ok", ev.Job.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("completion event never fired")
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.Equal(t, []string{"job-ok"}, broker.completed)
}

func TestWorkerFailsJobWithRetryClassification(t *testing.T) {
	broker := &fakeBroker{}
	reg := NewRegistry()
	require.NoError(t, reg.Register(JobConfig{Name: "flaky", Queue: "q"}, func(domain.Context, *domain.BrokerJob) error {
		return errors.New("connection refused")
	}))
	require.NoError(t, reg.Register(JobConfig{Name: "surprising", Queue: "q"}, func(domain.Context, *domain.BrokerJob) error {
		return errors.New("widget exploded")
	}))
	require.NoError(t, reg.Register(JobConfig{Name: "broken", Queue: "q"}, func(domain.Context, *domain.BrokerJob) error {
		return domain.NoRetry(errors.New("bad payload"))
	}))
	require.NoError(t, reg.Register(JobConfig{Name: "malformed", Queue: "q"}, func(domain.Context, *domain.BrokerJob) error {
		return fmt.Errorf("missing field: %w", domain.ErrInvalidArgument)
	}))
	s := New(reg, broker, nil, nil, 1)

	failed := make(chan JobEvent, 4)
	s.Subscribe("failed", func(ev JobEvent) { failed <- ev })

	for _, name := range []string{"flaky", "surprising", "broken", "malformed"} {
		_, err := s.Schedule(context.Background(), name, nil, WithJobID("job-"+name))
		require.NoError(t, err)
	}
	require.NoError(t, s.StartWorkers(context.Background()))
	defer func() { _ = s.Stop() }()

	for i := 0; i < 4; i++ {
		select {
		case <-failed:
		case <-time.After(3 * time.Second):
			t.Fatal("failure events never fired")
		}
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	byID := make(map[string]failCall, len(broker.failed))
	for _, fc := range broker.failed {
		byID[fc.id] = fc
	}
	require.Contains(t, byID, "job-flaky")
	assert.True(t, byID["job-flaky"].retryable)
	require.Contains(t, byID, "job-surprising")
	assert.True(t, byID["job-surprising"].retryable, "generic handler errors retry per backoff policy")
	require.Contains(t, byID, "job-broken")
	assert.False(t, byID["job-broken"].retryable)
	require.Contains(t, byID, "job-malformed")
	assert.False(t, byID["job-malformed"].retryable, "validation-class errors are terminal")
}

func TestWorkerRejectsInvalidPayload(t *testing.T) {
	broker := &fakeBroker{}
	reg := NewRegistry()
	require.NoError(t, reg.Register(JobConfig{
		Name:  "strict",
		Queue: "q",
		ValidatePayload: func(p []byte) error {
			if !strings.HasPrefix(string(p), "{") {
				return errors.New("not a JSON object")
			}
			return nil
		},
	}, func(domain.Context, *domain.BrokerJob) error {
		t.Error("handler must not run for invalid payloads")
		return nil
	}))
	s := New(reg, broker, nil, nil, 1)

	failed := make(chan JobEvent, 1)
	s.Subscribe("failed", func(ev JobEvent) { failed <- ev })

	_, err := s.Schedule(context.Background(), "strict", []byte("nope"), WithJobID("job-bad"))
	require.NoError(t, err)
	require.NoError(t, s.StartWorkers(context.Background()))
	defer func() { _ = s.Stop() }()

	select {
	case ev := <-failed:
		assert.Equal(t, "job-bad", ev.Job.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("failure event never fired")
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.failed, 1)
	assert.False(t, broker.failed[0].retryable, "validation failures are terminal")
}

func TestCancelAbortsAndRemoves(t *testing.T) {
	broker := &fakeBroker{}
	s, _ := newTestScheduler(t, broker, nil)

	require.NoError(t, s.Cancel(context.Background(), "publish", "job-1"))

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.Equal(t, []string{"job-1"}, broker.removed)
}
