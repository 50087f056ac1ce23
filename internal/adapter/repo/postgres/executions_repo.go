package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// ExecutionRepo persists job execution and attempt rows.
type ExecutionRepo struct{ Pool PgxPool }

// NewExecutionRepo constructs an ExecutionRepo with the given pool.
func NewExecutionRepo(p PgxPool) *ExecutionRepo { return &ExecutionRepo{Pool: p} }

// Insert creates a new execution row. A unique violation on
// (job_type, idempotency_key) surfaces as ErrConflict.
func (r *ExecutionRepo) Insert(ctx domain.Context, e domain.JobExecution) (string, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Insert")
	defer span.End()
	id := e.ID
	if id == "" {
		id = domain.NewExecutionID()
	}
	q := `INSERT INTO job_executions (id, job_type, entity_id, idempotency_key, status, started_at, error)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, e.JobType, e.EntityID, e.IdempotencyKey, e.Status, time.Now().UTC(), e.Error)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=execution.insert: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=execution.insert: %w", err)
	}
	return id, nil
}

// UpdateStatus moves an execution forward; completed/failed stamp completed_at.
func (r *ExecutionRepo) UpdateStatus(ctx domain.Context, id string, status domain.ExecutionStatus, errMsg string) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.UpdateStatus")
	defer span.End()
	var q string
	if status == domain.ExecutionCompleted || status == domain.ExecutionFailed {
		q = `UPDATE job_executions SET status=$2, error=$3, completed_at=NOW() WHERE id=$1`
	} else {
		q = `UPDATE job_executions SET status=$2, error=$3 WHERE id=$1`
	}
	if _, err := r.Pool.Exec(ctx, q, id, status, errMsg); err != nil {
		return fmt.Errorf("op=execution.update_status: %w", err)
	}
	return nil
}

// FindByTypeAndKey loads an execution by its idempotency identity.
func (r *ExecutionRepo) FindByTypeAndKey(ctx domain.Context, jobType, idemKey string) (domain.JobExecution, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.FindByTypeAndKey")
	defer span.End()
	q := `SELECT id, job_type, entity_id, idempotency_key, status, started_at, completed_at, COALESCE(error,'')
	      FROM job_executions WHERE job_type=$1 AND idempotency_key=$2`
	row := r.Pool.QueryRow(ctx, q, jobType, idemKey)
	var e domain.JobExecution
	if err := row.Scan(&e.ID, &e.JobType, &e.EntityID, &e.IdempotencyKey, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Error); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobExecution{}, fmt.Errorf("op=execution.find: %w", domain.ErrNotFound)
		}
		return domain.JobExecution{}, fmt.Errorf("op=execution.find: %w", err)
	}
	return e, nil
}

// CountInFlight counts executions in {started,pending,retrying} for an org.
// This read is unlocked; enforcement goes through the capacity gate.
func (r *ExecutionRepo) CountInFlight(ctx domain.Context, orgID string) (int, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.CountInFlight")
	defer span.End()
	q := `SELECT COUNT(*) FROM job_executions WHERE entity_id=$1 AND status = ANY($2)`
	row := r.Pool.QueryRow(ctx, q, orgID, inFlightStatusStrings())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=execution.count_in_flight: %w", err)
	}
	return n, nil
}

// InsertAttempt appends an attempt row for an execution.
func (r *ExecutionRepo) InsertAttempt(ctx domain.Context, a domain.JobAttempt) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.InsertAttempt")
	defer span.End()
	id := a.ID
	if id == "" {
		id = domain.NewID()
	}
	q := `INSERT INTO job_attempts (id, execution_id, attempt_number, status, error, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, a.ExecutionID, a.AttemptNumber, a.Status, a.Error, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=execution.insert_attempt: %w", err)
	}
	return nil
}

// ListByOrg returns an org's executions, newest first.
func (r *ExecutionRepo) ListByOrg(ctx domain.Context, orgID string, limit int) ([]domain.JobExecution, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.ListByOrg")
	defer span.End()
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	q := `SELECT id, job_type, entity_id, idempotency_key, status, started_at, completed_at, COALESCE(error,'')
	      FROM job_executions WHERE entity_id=$1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=execution.list_by_org: %w", err)
	}
	defer rows.Close()
	var out []domain.JobExecution
	for rows.Next() {
		var e domain.JobExecution
		if err := rows.Scan(&e.ID, &e.JobType, &e.EntityID, &e.IdempotencyKey, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Error); err != nil {
			return nil, fmt.Errorf("op=execution.list_by_org: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=execution.list_by_org: %w", err)
	}
	return out, nil
}

// CountAttempts returns how many attempt rows an execution has accumulated.
func (r *ExecutionRepo) CountAttempts(ctx domain.Context, executionID string) (int, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.CountAttempts")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_attempts WHERE execution_id=$1`, executionID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=execution.count_attempts: %w", err)
	}
	return n, nil
}

func inFlightStatusStrings() []string {
	out := make([]string, len(domain.InFlightStatuses))
	for i, s := range domain.InFlightStatuses {
		out[i] = string(s)
	}
	return out
}

// isUniqueViolation detects Postgres error 23505 without importing pgconn
// internals at every call site.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
