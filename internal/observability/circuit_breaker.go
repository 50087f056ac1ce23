package observability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateHalfOpen indicates a trial state where operations probe recovery.
	StateHalfOpen
	// StateOpen indicates the circuit is open and operations are blocked.
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a named circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// DefaultBreakerConfig is used when a breaker is resolved without options.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMaxAttempts: 3}
}

// CircuitBreaker implements the circuit breaker pattern. State is derived from
// counters: closed when failures is zero, half-open while failures accumulate
// below the threshold (or while probing after the reset timeout), open once
// tripped. Closing from half-open requires HalfOpenMaxAttempts consecutive
// successes; any half-open failure fully re-opens and resets that counter.
type CircuitBreaker struct {
	mu   sync.Mutex
	name string
	cfg  BreakerConfig

	failures        int
	successes       int
	tripped         bool
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = DefaultBreakerConfig().HalfOpenMaxAttempts
	}
	return &CircuitBreaker{name: name, cfg: cfg}
}

// State returns the current derived state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitBreakerState {
	if cb.tripped {
		return StateOpen
	}
	if cb.failures > 0 {
		return StateHalfOpen
	}
	return StateClosed
}

// CanExecute reports whether an execution is allowed right now. An open
// breaker transitions to half-open once ResetTimeout has elapsed since the
// last failure.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return true
	}
	if time.Since(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		cb.tripped = false
		cb.successes = 0
		cb.publishState()
		slog.Info("circuit breaker transitioning to half-open",
			slog.String("breaker", cb.name),
			slog.Duration("reset_timeout", cb.cfg.ResetTimeout))
		return true
	}
	return false
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped {
		return
	}
	if cb.failures == 0 {
		return
	}
	cb.successes++
	if cb.successes >= cb.cfg.HalfOpenMaxAttempts {
		cb.failures = 0
		cb.successes = 0
		cb.publishState()
		slog.Info("circuit breaker closed after consecutive successes",
			slog.String("breaker", cb.name),
			slog.Int("required", cb.cfg.HalfOpenMaxAttempts))
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	if cb.failures >= cb.cfg.FailureThreshold {
		if !cb.tripped {
			slog.Warn("circuit breaker opened",
				slog.String("breaker", cb.name),
				slog.Int("failures", cb.failures),
				slog.Int("threshold", cb.cfg.FailureThreshold))
		}
		cb.tripped = true
	}
	cb.publishState()
}

func (cb *CircuitBreaker) publishState() {
	BreakerStateGauge.WithLabelValues(cb.name).Set(float64(cb.stateLocked()))
}

// Execute runs fn under the breaker. A canceled or deadline-exceeded context
// is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.CanExecute() {
		return domain.ErrCircuitOpen
	}
	err := fn(ctx)
	if err == nil {
		cb.RecordSuccess()
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	cb.RecordFailure()
	return err
}

// Reset clears all counters and closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.tripped = false
	cb.lastFailureTime = time.Time{}
	cb.publishState()
}

// breakerRegistry is the process-lifetime named-singleton registry. Breakers
// are never evicted; a TTL cache here would orphan half-open state.
var (
	breakerMu       sync.Mutex
	breakerRegistry = map[string]*CircuitBreaker{}
)

// Breaker returns the named breaker, creating it with cfg on first use. The
// configuration of an existing breaker is not changed.
func Breaker(name string, cfg BreakerConfig) *CircuitBreaker {
	breakerMu.Lock()
	defer breakerMu.Unlock()
	if cb, ok := breakerRegistry[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, cfg)
	breakerRegistry[name] = cb
	return cb
}
