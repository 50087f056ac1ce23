package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// Querier is the statement surface shared by PgxPool and pgx.Tx, so saga
// phases can run repo statements under their own transactions.
type Querier interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
}

// PublishRepo persists publish intents and saga executions. Every method runs
// on the caller's querier; the saga owns transaction boundaries.
type PublishRepo struct{}

// NewPublishRepo constructs a PublishRepo.
func NewPublishRepo() *PublishRepo { return &PublishRepo{} }

// LockIntent loads the intent under FOR UPDATE, serializing saga workers.
func (r *PublishRepo) LockIntent(ctx domain.Context, q Querier, id string) (domain.PublishIntent, error) {
	tracer := otel.Tracer("repo.publish")
	ctx, span := tracer.Start(ctx, "publish.LockIntent")
	defer span.End()
	sql := `SELECT id, org_id, platform, status, COALESCE(external_id,''), published_at
	        FROM publish_intents WHERE id=$1 FOR UPDATE`
	row := q.QueryRow(ctx, sql, id)
	var in domain.PublishIntent
	if err := row.Scan(&in.ID, &in.OrgID, &in.Platform, &in.Status, &in.ExternalID, &in.PublishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PublishIntent{}, fmt.Errorf("op=publish.lock_intent: %w", domain.ErrNotFound)
		}
		return domain.PublishIntent{}, fmt.Errorf("op=publish.lock_intent: %w", err)
	}
	return in, nil
}

// FindSuccessfulExecution returns the committed execution for an intent, if
// any. Malformed metadata from an earlier commit is degraded to nil with a
// warning so recovery is never blocked on it.
func (r *PublishRepo) FindSuccessfulExecution(ctx domain.Context, q Querier, intentID string) (domain.PublishExecution, error) {
	tracer := otel.Tracer("repo.publish")
	ctx, span := tracer.Start(ctx, "publish.FindSuccessfulExecution")
	defer span.End()
	sql := `SELECT id, intent_id, status, COALESCE(external_id,''), COALESCE(external_url,''), metadata, completed_at
	        FROM publish_executions WHERE intent_id=$1 AND status='success'`
	row := q.QueryRow(ctx, sql, intentID)
	var e domain.PublishExecution
	var rawMeta []byte
	if err := row.Scan(&e.ID, &e.IntentID, &e.Status, &e.ExternalID, &e.ExternalURL, &rawMeta, &e.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PublishExecution{}, fmt.Errorf("op=publish.find_success: %w", domain.ErrNotFound)
		}
		return domain.PublishExecution{}, fmt.Errorf("op=publish.find_success: %w", err)
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &e.Metadata); err != nil {
			slog.Warn("publish execution metadata malformed; treating as absent",
				slog.String("intent_id", intentID), slog.Any("error", err))
			e.Metadata = nil
		}
	}
	return e, nil
}

// InsertSuccess commits the saga outcome. The partial unique index on
// (intent_id) WHERE status='success' makes the insert idempotent.
func (r *PublishRepo) InsertSuccess(ctx domain.Context, q Querier, e domain.PublishExecution) error {
	tracer := otel.Tracer("repo.publish")
	ctx, span := tracer.Start(ctx, "publish.InsertSuccess")
	defer span.End()
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("op=publish.insert_success: %w", err)
	}
	id := e.ID
	if id == "" {
		id = domain.NewID()
	}
	sql := `INSERT INTO publish_executions (id, intent_id, status, external_id, external_url, metadata, completed_at)
	        VALUES ($1,$2,'success',$3,$4,$5,NOW())
	        ON CONFLICT (intent_id) WHERE status='success' DO NOTHING`
	if _, err := q.Exec(ctx, sql, id, e.IntentID, e.ExternalID, e.ExternalURL, meta); err != nil {
		return fmt.Errorf("op=publish.insert_success: %w", err)
	}
	return nil
}

// InsertFailure records a terminal saga failure.
func (r *PublishRepo) InsertFailure(ctx domain.Context, q Querier, intentID, reason string) error {
	tracer := otel.Tracer("repo.publish")
	ctx, span := tracer.Start(ctx, "publish.InsertFailure")
	defer span.End()
	sql := `INSERT INTO publish_executions (id, intent_id, status, error, failed_at)
	        VALUES ($1,$2,'failed',$3,NOW())`
	if _, err := q.Exec(ctx, sql, domain.NewID(), intentID, reason); err != nil {
		return fmt.Errorf("op=publish.insert_failure: %w", err)
	}
	return nil
}

// MarkPublished moves the intent to its published terminal state.
func (r *PublishRepo) MarkPublished(ctx domain.Context, q Querier, intentID, externalID string) error {
	tracer := otel.Tracer("repo.publish")
	ctx, span := tracer.Start(ctx, "publish.MarkPublished")
	defer span.End()
	sql := `UPDATE publish_intents SET status='published', external_id=$2, published_at=NOW() WHERE id=$1`
	if _, err := q.Exec(ctx, sql, intentID, externalID); err != nil {
		return fmt.Errorf("op=publish.mark_published: %w", err)
	}
	return nil
}

// InsertExecutionTx inserts a job_executions row on the caller's querier so
// the write shares the saga's Phase 1 transaction.
func (r *PublishRepo) InsertExecutionTx(ctx domain.Context, q Querier, e domain.JobExecution) (string, error) {
	tracer := otel.Tracer("repo.publish")
	ctx, span := tracer.Start(ctx, "publish.InsertExecution")
	defer span.End()
	id := e.ID
	if id == "" {
		id = domain.NewExecutionID()
	}
	sql := `INSERT INTO job_executions (id, job_type, entity_id, idempotency_key, status, started_at)
	        VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := q.Exec(ctx, sql, id, e.JobType, e.EntityID, e.IdempotencyKey, e.Status, time.Now().UTC()); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=publish.insert_execution: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=publish.insert_execution: %w", err)
	}
	return id, nil
}

// FindExecutionTx looks up a job execution by idempotency identity on the
// caller's querier.
func (r *PublishRepo) FindExecutionTx(ctx domain.Context, q Querier, jobType, idemKey string) (domain.JobExecution, error) {
	tracer := otel.Tracer("repo.publish")
	ctx, span := tracer.Start(ctx, "publish.FindExecution")
	defer span.End()
	sql := `SELECT id, job_type, entity_id, idempotency_key, status, started_at, completed_at, COALESCE(error,'')
	        FROM job_executions WHERE job_type=$1 AND idempotency_key=$2`
	row := q.QueryRow(ctx, sql, jobType, idemKey)
	var e domain.JobExecution
	if err := row.Scan(&e.ID, &e.JobType, &e.EntityID, &e.IdempotencyKey, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Error); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobExecution{}, fmt.Errorf("op=publish.find_execution: %w", domain.ErrNotFound)
		}
		return domain.JobExecution{}, fmt.Errorf("op=publish.find_execution: %w", err)
	}
	return e, nil
}

// UpdateExecutionTx updates an execution's status on the caller's querier.
func (r *PublishRepo) UpdateExecutionTx(ctx domain.Context, q Querier, id string, status domain.ExecutionStatus, errMsg string) error {
	tracer := otel.Tracer("repo.publish")
	ctx, span := tracer.Start(ctx, "publish.UpdateExecution")
	defer span.End()
	var sql string
	if status == domain.ExecutionCompleted || status == domain.ExecutionFailed {
		sql = `UPDATE job_executions SET status=$2, error=$3, completed_at=NOW() WHERE id=$1`
	} else {
		sql = `UPDATE job_executions SET status=$2, error=$3 WHERE id=$1`
	}
	if _, err := q.Exec(ctx, sql, id, status, errMsg); err != nil {
		return fmt.Errorf("op=publish.update_execution: %w", err)
	}
	return nil
}
