package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/workfabric/internal/capacity"
	"github.com/fairyhunter13/workfabric/internal/domain"
	"github.com/fairyhunter13/workfabric/internal/observability"
)

const (
	// maxPayloadBytes caps enqueued payloads at 1 MiB.
	maxPayloadBytes = 1 << 20
	// maxWaiting is the backpressure threshold per queue.
	maxWaiting = 1000

	claimPollInterval   = 500 * time.Millisecond
	maintenanceInterval = 60 * time.Second
	controllerMaxAge    = 5 * time.Minute
)

// JobEvent is delivered to subscribers on job lifecycle transitions.
type JobEvent struct {
	Kind string // completed | failed
	Job  domain.BrokerJob
	Err  string
}

// Subscriber receives job events. Called synchronously from worker goroutines;
// keep handlers fast.
type Subscriber func(ev JobEvent)

// ScheduleOptions tune one Schedule call.
type ScheduleOptions struct {
	OrgID    string
	Delay    time.Duration
	Priority domain.Priority
	// JobID overrides the generated id. Reusing an id makes duplicate
	// schedules collapse onto one broker job and one abort controller.
	JobID string
}

// ScheduleOption mutates ScheduleOptions.
type ScheduleOption func(*ScheduleOptions)

// WithOrg scopes the job to a tenant: capacity gate and rate-limit bucket.
func WithOrg(orgID string) ScheduleOption {
	return func(o *ScheduleOptions) { o.OrgID = orgID }
}

// WithDelay defers the first run.
func WithDelay(d time.Duration) ScheduleOption {
	return func(o *ScheduleOptions) { o.Delay = d }
}

// WithPriority overrides the registered priority for this schedule.
func WithPriority(p domain.Priority) ScheduleOption {
	return func(o *ScheduleOptions) { o.Priority = p }
}

// WithJobID sets the effective job id.
func WithJobID(id string) ScheduleOption {
	return func(o *ScheduleOptions) { o.JobID = id }
}

// Scheduler owns scheduling and the worker pool over one broker.
type Scheduler struct {
	registry    *Registry
	broker      domain.Broker
	limiter     domain.RateLimiter
	gate        *capacity.Gate
	controllers *controllerSet

	concurrency int
	stopTimeout time.Duration

	mu          sync.Mutex
	started     bool
	cancelRun   context.CancelFunc
	wg          sync.WaitGroup
	subMu       sync.RWMutex
	subscribers map[string][]Subscriber
}

// New constructs a Scheduler. gate may be nil when tenant capacity is not
// enforced (tests, single-tenant deployments).
func New(reg *Registry, broker domain.Broker, limiter domain.RateLimiter, gate *capacity.Gate, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		registry:    reg,
		broker:      broker,
		limiter:     limiter,
		gate:        gate,
		controllers: newControllerSet(),
		concurrency: concurrency,
		stopTimeout: 10 * time.Second,
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe registers fn for events of the given kind. Subscribers survive
// Stop and keep firing after a restart.
func (s *Scheduler) Subscribe(kind string, fn Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[kind] = append(s.subscribers[kind], fn)
}

func (s *Scheduler) emit(ev JobEvent) {
	s.subMu.RLock()
	subs := s.subscribers[ev.Kind]
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Schedule enqueues one run of a registered job.
//
// Rejections: unregistered name (ErrNotFound), gated stub (the probe's
// error), payload over 1 MiB (ErrPayloadTooLarge), queue backlog over the
// backpressure threshold (ErrBackpressure), org over its capacity cap or a
// drained rate-limit bucket (RateLimitError). Nothing is enqueued on any
// rejection path.
func (s *Scheduler) Schedule(ctx domain.Context, name string, payload []byte, opts ...ScheduleOption) (string, error) {
	tracer := otel.Tracer("scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.Schedule")
	defer span.End()

	var o ScheduleOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, _, ok := s.registry.Lookup(name)
	if !ok {
		return "", fmt.Errorf("op=scheduler.Schedule: job %q not registered: %w", name, domain.ErrNotFound)
	}
	if cfg.Probe != nil {
		if err := cfg.Probe(); err != nil {
			return "", fmt.Errorf("op=scheduler.Schedule: %s: %w", name, err)
		}
	}
	if len(payload) > maxPayloadBytes {
		return "", fmt.Errorf("op=scheduler.Schedule: %s: %d bytes: %w", name, len(payload), domain.ErrPayloadTooLarge)
	}

	counts, err := s.broker.Counts(ctx, cfg.Queue)
	if err != nil {
		return "", fmt.Errorf("op=scheduler.Schedule: %w", err)
	}
	if counts.Waiting > maxWaiting {
		observability.QueueBackpressureTotal.WithLabelValues(cfg.Queue).Inc()
		return "", fmt.Errorf("op=scheduler.Schedule: queue %s has %d waiting: %w", cfg.Queue, counts.Waiting, domain.ErrBackpressure)
	}

	if s.gate != nil && o.OrgID != "" {
		if err := s.gate.Assert(ctx, o.OrgID); err != nil {
			return "", fmt.Errorf("op=scheduler.Schedule: %w", err)
		}
	}

	if s.limiter != nil && cfg.RateLimit != nil {
		allowed, err := s.limiter.Allow(ctx, o.OrgID, name, cfg.RateLimit.Max, cfg.RateLimit.Window)
		if err != nil {
			return "", fmt.Errorf("op=scheduler.Schedule: %w", err)
		}
		if !allowed {
			slog.Debug("rate limit exhausted",
				slog.String("job", name),
				slog.String("bucket", o.OrgID))
			return "", fmt.Errorf("op=scheduler.Schedule: %s: %w", name,
				domain.NewRateLimitError(cfg.RateLimit.Window,
					fmt.Sprintf("rate limit for %s exhausted", name)))
		}
	}

	prio := cfg.Priority
	if o.Priority != 0 {
		if !domain.ValidPriority(o.Priority) {
			return "", fmt.Errorf("op=scheduler.Schedule: priority %d: %w", o.Priority, domain.ErrInvalidArgument)
		}
		prio = o.Priority
	}
	id := o.JobID
	if id == "" {
		id = domain.NewID()
	}

	job := domain.BrokerJob{
		ID:                id,
		Name:              name,
		Queue:             cfg.Queue,
		Payload:           payload,
		Priority:          prio,
		AttemptsMax:       cfg.MaxRetries,
		BackoffKind:       cfg.BackoffKind,
		BackoffBase:       cfg.BackoffDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		Timeout:           cfg.Timeout,
		Delay:             o.Delay,
	}
	if err := s.broker.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("op=scheduler.Schedule: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(cfg.Queue, name).Inc()
	return id, nil
}

// Cancel aborts a job: in-flight runs get their abort signal, queued runs are
// removed from the broker.
func (s *Scheduler) Cancel(ctx domain.Context, queue, id string) error {
	s.controllers.abort(id)
	if err := s.broker.Remove(ctx, queue, id); err != nil {
		return fmt.Errorf("op=scheduler.Cancel: %w", err)
	}
	return nil
}

// GetMetrics returns the queue's count snapshot.
func (s *Scheduler) GetMetrics(ctx domain.Context, queue string) (domain.QueueCounts, error) {
	return s.broker.Counts(ctx, queue)
}

// Pause stops claims on a queue; queued jobs are retained.
func (s *Scheduler) Pause(ctx domain.Context, queue string) error { return s.broker.Pause(ctx, queue) }

// Resume lifts a pause.
func (s *Scheduler) Resume(ctx domain.Context, queue string) error {
	return s.broker.Resume(ctx, queue)
}

// CleanQueue drops waiting jobs older than grace.
func (s *Scheduler) CleanQueue(ctx domain.Context, queue string, grace time.Duration) error {
	return s.broker.Clean(ctx, queue, grace)
}

// StartWorkers launches the worker pool: concurrency workers per registered
// queue plus a maintenance loop recovering stalled jobs. Returns an error if
// the pool is already running.
func (s *Scheduler) StartWorkers(ctx domain.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("op=scheduler.StartWorkers: %w", domain.ErrConflict)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.started = true

	queues := s.registry.Queues()
	for _, queue := range queues {
		for i := 0; i < s.concurrency; i++ {
			s.wg.Add(1)
			go s.workerLoop(runCtx, queue)
		}
	}
	s.wg.Add(1)
	go s.maintenanceLoop(runCtx, queues)

	slog.Info("worker pool started",
		slog.Int("queues", len(queues)),
		slog.Int("concurrency", s.concurrency))
	return nil
}

// Stop cancels the pool and waits up to the stop timeout for workers to
// drain. Subscribers are preserved for a later StartWorkers.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancelRun()
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker pool stopped")
		return nil
	case <-time.After(s.stopTimeout):
		return fmt.Errorf("op=scheduler.Stop: workers did not drain within %s", s.stopTimeout)
	}
}

func (s *Scheduler) workerLoop(ctx domain.Context, queue string) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := s.broker.Claim(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claim failed", slog.String("queue", queue), slog.Any("error", err))
			sleepCtx(ctx, claimPollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, claimPollInterval)
			continue
		}
		s.runJob(ctx, queue, job)
	}
}

func (s *Scheduler) runJob(ctx domain.Context, queue string, job *domain.BrokerJob) {
	observability.JobsActive.WithLabelValues(queue).Inc()
	defer observability.JobsActive.WithLabelValues(queue).Dec()

	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.runJob")
	defer span.End()

	spanCtx := trace.SpanContextFromContext(ctx)
	log := slog.With(
		slog.String("job_id", job.ID),
		slog.String("job", job.Name),
		slog.String("queue", queue),
		slog.Int("attempt", job.AttemptsMade),
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()))
	jobCtx := observability.ContextWithLogger(ctx, log)
	jobCtx = observability.ContextWithRequestID(jobCtx, job.ID)

	cfg, handler, ok := s.registry.Lookup(job.Name)
	if !ok {
		log.Error("claimed job has no registration")
		s.failJob(jobCtx, queue, job, fmt.Errorf("job %q not registered: %w", job.Name, domain.ErrNotFound), false)
		return
	}
	if cfg.ValidatePayload != nil {
		if err := cfg.ValidatePayload(job.Payload); err != nil {
			log.Error("payload rejected", slog.Any("error", err))
			s.failJob(jobCtx, queue, job, fmt.Errorf("%v: %w", err, domain.ErrSchemaInvalid), false)
			return
		}
	}

	abort, release := s.controllers.acquire(job.ID)
	defer release()

	start := time.Now()
	err := executeWithTimeout(jobCtx, cfg.Timeout, abort, job, handler)
	observability.JobDuration.WithLabelValues(queue, job.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := s.broker.Complete(jobCtx, queue, job.ID); cerr != nil {
			log.Error("complete failed", slog.Any("error", cerr))
		}
		observability.JobsCompletedTotal.WithLabelValues(queue, job.Name).Inc()
		s.emit(JobEvent{Kind: "completed", Job: *job})
		return
	}

	retryable := !domain.IsTerminal(err)
	log.Warn("job failed", slog.Any("error", err), slog.Bool("retryable", retryable))
	s.failJob(jobCtx, queue, job, err, retryable)
}

func (s *Scheduler) failJob(ctx domain.Context, queue string, job *domain.BrokerJob, cause error, retryable bool) {
	if err := s.broker.Fail(ctx, queue, job.ID, cause.Error(), retryable); err != nil {
		slog.Error("fail bookkeeping failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.JobsFailedTotal.WithLabelValues(queue, job.Name).Inc()
	s.emit(JobEvent{Kind: "failed", Job: *job, Err: cause.Error()})
}

func (s *Scheduler) maintenanceLoop(ctx domain.Context, queues []string) {
	defer s.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range queues {
				if err := s.broker.RecoverStalled(ctx, queue); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("stalled recovery failed", slog.String("queue", queue), slog.Any("error", err))
				}
			}
			if n := s.controllers.sweepStale(controllerMaxAge); n > 0 {
				slog.Warn("reclaimed stale abort controllers", slog.Int("count", n))
			}
		}
	}
}

func sleepCtx(ctx domain.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
