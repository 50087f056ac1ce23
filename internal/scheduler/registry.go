// Package scheduler is the worker runtime: a job registry, priority-queue
// scheduling with backpressure and rate limits, timeout-raced execution and
// cooperative cancellation.
package scheduler

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// Handler executes one claimed job. Returning an error re-enqueues the job
// when it is retryable under the job's retry policy.
type Handler func(ctx domain.Context, job *domain.BrokerJob) error

// RateLimit caps how many jobs of one name start per window. The bucket is
// the scheduling org, so limits are per-tenant.
type RateLimit struct {
	Max    int           `validate:"gte=1,lte=10000"`
	Window time.Duration `validate:"gte=100000000,lte=3600000000000"`
}

// JobConfig declares a job type. Validated on registration; invalid configs
// are rejected rather than silently adjusted.
type JobConfig struct {
	Name              string        `validate:"required,max=100,jobtoken"`
	Queue             string        `validate:"required,max=100,jobtoken"`
	Priority          domain.Priority
	MaxRetries        int           `validate:"gte=0,lte=10"`
	BackoffKind       domain.BackoffKind
	BackoffDelay      time.Duration `validate:"gte=100000000,lte=3600000000000"`
	BackoffMultiplier float64
	Timeout           time.Duration `validate:"gte=1000000000,lte=3600000000000"`
	RateLimit         *RateLimit
	// ValidatePayload rejects malformed payloads before the handler runs.
	// Validation failures are terminal, never retried.
	ValidatePayload func(payload []byte) error
	// Probe, when set, is consulted at Schedule time; a non-nil error refuses
	// the enqueue. Jobs whose upstream is stubbed out return ErrNotImplemented
	// here so disabled work never reaches a queue.
	Probe func() error
}

type registration struct {
	cfg     JobConfig
	handler Handler
}

var tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func newConfigValidator() *validator.Validate {
	v := validator.New()
	// Name and queue feed Redis key construction; restrict to a safe token set.
	_ = v.RegisterValidation("jobtoken", func(fl validator.FieldLevel) bool {
		return tokenPattern.MatchString(fl.Field().String())
	})
	return v
}

// Registry holds job registrations. Re-registering a name overwrites the
// previous registration, which keeps hot-reload style wiring idempotent.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]registration
	validate *validator.Validate
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:     make(map[string]registration),
		validate: newConfigValidator(),
	}
}

// Register validates cfg and binds it to handler.
func (r *Registry) Register(cfg JobConfig, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("op=registry.Register: %s: nil handler: %w", cfg.Name, domain.ErrInvalidArgument)
	}
	if cfg.BackoffKind == "" {
		cfg.BackoffKind = domain.BackoffExponential
	}
	if cfg.BackoffKind != domain.BackoffFixed && cfg.BackoffKind != domain.BackoffExponential {
		return fmt.Errorf("op=registry.Register: %s: backoff kind %q: %w", cfg.Name, cfg.BackoffKind, domain.ErrInvalidArgument)
	}
	if cfg.Priority == 0 {
		cfg.Priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(cfg.Priority) {
		return fmt.Errorf("op=registry.Register: %s: priority %d: %w", cfg.Name, cfg.Priority, domain.ErrInvalidArgument)
	}
	if cfg.BackoffDelay == 0 {
		cfg.BackoffDelay = time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if err := r.validate.Struct(cfg); err != nil {
		return fmt.Errorf("op=registry.Register: %s: %v: %w", cfg.Name, err, domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[cfg.Name] = registration{cfg: cfg, handler: handler}
	return nil
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (JobConfig, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.jobs[name]
	return reg.cfg, reg.handler, ok
}

// Queues returns the distinct queues of all registered jobs.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, reg := range r.jobs {
		if _, ok := seen[reg.cfg.Queue]; ok {
			continue
		}
		seen[reg.cfg.Queue] = struct{}{}
		out = append(out, reg.cfg.Queue)
	}
	return out
}
