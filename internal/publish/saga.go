// Package publish drives the three-phase platform publish saga: claim the
// intent durably, call the external platform behind a breaker and retries,
// then commit the outcome idempotently.
package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workfabric/internal/capacity"
	"github.com/fairyhunter13/workfabric/internal/domain"
	"github.com/fairyhunter13/workfabric/internal/idempotency"
	"github.com/fairyhunter13/workfabric/internal/observability"
)

const (
	sagaLockTTL       = 30 * time.Second
	phase1StmtTimeout = "30s"
	lockBusyRetry     = 5 * time.Second
)

// Saga executes publish intents. One Saga instance serves all platforms;
// adapters are registered by platform name.
type Saga struct {
	pool     postgres.PgxPool
	repo     *postgres.PublishRepo
	execs    *postgres.ExecutionRepo
	locks    domain.LockService
	gate     *capacity.Gate
	adapters map[string]domain.PlatformAdapter
	retry    domain.RetryConfig
}

// New constructs a Saga with the default retry policy. gate may be nil when
// tenant capacity is not enforced.
func New(pool postgres.PgxPool, locks domain.LockService, gate *capacity.Gate) *Saga {
	return &Saga{
		pool:     pool,
		repo:     postgres.NewPublishRepo(),
		execs:    postgres.NewExecutionRepo(pool),
		locks:    locks,
		gate:     gate,
		adapters: make(map[string]domain.PlatformAdapter),
		retry:    domain.DefaultRetryConfig().Normalize(),
	}
}

// RegisterAdapter binds a platform adapter. Later registrations for the same
// platform overwrite earlier ones.
func (s *Saga) RegisterAdapter(a domain.PlatformAdapter) {
	s.adapters[a.Name()] = a
}

// Run publishes one intent end to end. Safe to call concurrently and to
// re-run after a crash: completed intents return nil without a platform call,
// and an intent another worker holds returns RateLimitError for re-delivery.
func (s *Saga) Run(ctx domain.Context, intentID string) error {
	tracer := otel.Tracer("publish")
	ctx, span := tracer.Start(ctx, "publish.Run")
	defer span.End()

	lock, err := s.locks.Acquire(ctx, "publish:"+intentID, sagaLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.NewRateLimitError(lockBusyRetry, "intent locked by another worker")
		}
		return fmt.Errorf("op=publish.Run: %w", err)
	}
	defer func() {
		released, rerr := s.locks.Release(ctx, lock)
		if rerr != nil {
			slog.Error("publish lock release failed", slog.String("intent_id", intentID), slog.Any("error", rerr))
			return
		}
		if !released {
			slog.Warn("publish lock expired before release; duplicate work possible",
				slog.String("intent_id", intentID))
		}
	}()

	intent, execID, done, err := s.claimIntent(ctx, intentID)
	if err != nil || done {
		return err
	}

	result, err := s.callPlatform(ctx, intent)
	if err != nil {
		if berr := s.recordFailure(ctx, intentID, execID, err); berr != nil {
			slog.Error("publish failure bookkeeping failed",
				slog.String("intent_id", intentID), slog.Any("error", berr))
		}
		return fmt.Errorf("op=publish.Run: %s: %w", intentID, err)
	}

	return s.commitSuccess(ctx, intentID, execID, result)
}

// claimIntent is phase 1: lock the intent row, detect duplicates and crashed
// prior runs, and ensure a started execution row. done reports that the
// intent needs no platform call.
func (s *Saga) claimIntent(ctx domain.Context, intentID string) (domain.PublishIntent, string, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Bounded lock wait; a stuck claim must not pin the worker.
	if _, err := tx.Exec(ctx, "SET LOCAL statement_timeout = '"+phase1StmtTimeout+"'"); err != nil {
		return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", err)
	}

	intent, err := s.repo.LockIntent(ctx, tx, intentID)
	if err != nil {
		return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", err)
	}
	if intent.Status == domain.IntentPublished {
		slog.Info("publish intent already published", slog.String("intent_id", intentID))
		return intent, "", true, nil
	}

	// Crash recovery: a committed success without the published mark means we
	// died between phases. Finish the bookkeeping, skip the platform call.
	prior, err := s.repo.FindSuccessfulExecution(ctx, tx, intentID)
	if err == nil {
		if merr := s.repo.MarkPublished(ctx, tx, intentID, prior.ExternalID); merr != nil {
			return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", merr)
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: commit: %w", cerr)
		}
		slog.Info("recovered committed publish", slog.String("intent_id", intentID))
		return intent, "", true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", err)
	}

	idemKey, err := idempotency.Key("publish", intent.Platform, intentID)
	if err != nil {
		return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", err)
	}
	execID := ""
	exec, err := s.repo.FindExecutionTx(ctx, tx, "publish", idemKey)
	switch {
	case err == nil:
		if exec.Status == domain.ExecutionCompleted {
			slog.Info("publish execution already completed, treating as duplicate",
				slog.String("intent_id", intentID))
			return intent, "", true, nil
		}
		attempts, aerr := s.execs.CountAttempts(ctx, exec.ID)
		if aerr != nil {
			return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", aerr)
		}
		if attempts > s.retry.MaxRetries {
			return domain.PublishIntent{}, "", false,
				domain.NoRetry(fmt.Errorf("op=publish.claim: %s: %d attempts exhausted", intentID, attempts))
		}
		execID = exec.ID
		if uerr := s.repo.UpdateExecutionTx(ctx, tx, execID, domain.ExecutionStarted, ""); uerr != nil {
			return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", uerr)
		}
	case errors.Is(err, domain.ErrNotFound):
		// New in-flight admission for the org: run the capacity gate on this
		// transaction so the execution INSERT lands under the advisory lock.
		if s.gate != nil {
			if gerr := s.gate.AssertInTx(ctx, tx, intent.OrgID); gerr != nil {
				return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", gerr)
			}
		}
		execID, err = s.repo.InsertExecutionTx(ctx, tx, domain.JobExecution{
			JobType:        "publish",
			EntityID:       intent.OrgID,
			IdempotencyKey: idemKey,
			Status:         domain.ExecutionStarted,
		})
		if err != nil {
			return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", err)
		}
	default:
		return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PublishIntent{}, "", false, fmt.Errorf("op=publish.claim: commit: %w", err)
	}
	return intent, execID, false, nil
}

// callPlatform is phase 2: the external call behind the platform's breaker
// with exponential retries over the retryable-error allowlist.
func (s *Saga) callPlatform(ctx domain.Context, intent domain.PublishIntent) (domain.PublishResult, error) {
	adapter, ok := s.adapters[intent.Platform]
	if !ok {
		return domain.PublishResult{}, domain.NoRetry(
			fmt.Errorf("op=publish.call: platform %q has no adapter: %w", intent.Platform, domain.ErrNotFound))
	}
	breaker := observability.Breaker("publish:"+intent.Platform, observability.DefaultBreakerConfig())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retry.InitialDelay
	bo.MaxInterval = s.retry.MaxDelay
	bo.Multiplier = s.retry.Multiplier

	var result domain.PublishResult
	operation := func() error {
		err := breaker.Execute(ctx, func(ctx domain.Context) error {
			res, perr := adapter.Publish(ctx, intent)
			if perr != nil {
				return perr
			}
			result = res
			return nil
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrCircuitOpen) || s.retry.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.retry.MaxRetries)), ctx))
	if err != nil {
		return domain.PublishResult{}, err
	}
	return result, nil
}

// commitSuccess is phase 3: record the outcome idempotently and mark the
// intent published, all in one transaction.
func (s *Saga) commitSuccess(ctx domain.Context, intentID, execID string, result domain.PublishResult) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=publish.commit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.repo.InsertSuccess(ctx, tx, domain.PublishExecution{
		IntentID:    intentID,
		ExternalID:  result.ExternalID,
		ExternalURL: result.ExternalURL,
		Metadata:    result.Metadata,
	}); err != nil {
		return fmt.Errorf("op=publish.commit: %w", err)
	}
	if err := s.repo.MarkPublished(ctx, tx, intentID, result.ExternalID); err != nil {
		return fmt.Errorf("op=publish.commit: %w", err)
	}
	if execID != "" {
		if err := s.repo.UpdateExecutionTx(ctx, tx, execID, domain.ExecutionCompleted, ""); err != nil {
			return fmt.Errorf("op=publish.commit: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=publish.commit: commit: %w", err)
	}

	if execID != "" {
		if err := s.execs.InsertAttempt(ctx, domain.JobAttempt{
			ExecutionID: execID,
			Status:      "success",
		}); err != nil {
			slog.Warn("publish attempt bookkeeping failed", slog.String("intent_id", intentID), slog.Any("error", err))
		}
	}
	slog.Info("publish committed",
		slog.String("intent_id", intentID),
		slog.String("external_id", result.ExternalID))
	return nil
}

// recordFailure persists a terminal or retry-exhausted platform failure.
func (s *Saga) recordFailure(ctx domain.Context, intentID, execID string, cause error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=publish.fail: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.repo.InsertFailure(ctx, tx, intentID, cause.Error()); err != nil {
		return fmt.Errorf("op=publish.fail: %w", err)
	}
	if execID != "" {
		if err := s.repo.UpdateExecutionTx(ctx, tx, execID, domain.ExecutionFailed, cause.Error()); err != nil {
			return fmt.Errorf("op=publish.fail: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=publish.fail: commit: %w", err)
	}

	if execID != "" {
		if err := s.execs.InsertAttempt(ctx, domain.JobAttempt{
			ExecutionID: execID,
			Status:      "failure",
			Error:       cause.Error(),
		}); err != nil {
			slog.Warn("publish attempt bookkeeping failed", slog.String("intent_id", intentID), slog.Any("error", err))
		}
	}
	return nil
}
