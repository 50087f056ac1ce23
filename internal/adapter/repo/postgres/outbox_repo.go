package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// OutboxRepo persists event envelopes for the relayer. Append runs on the
// caller's querier so events commit atomically with the state change that
// produced them.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

// Append writes an envelope row inside the caller's transaction.
func (r *OutboxRepo) Append(ctx domain.Context, q Querier, ev domain.Envelope) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Append")
	defer span.End()
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=outbox.append: %w", err)
	}
	id := ev.ID
	if id == "" {
		id = domain.NewID()
	}
	sql := `INSERT INTO outbox (id, event_name, occurred_at, payload)
	        VALUES ($1,$2,$3,$4)`
	if _, err := q.Exec(ctx, sql, id, ev.Name, ev.OccurredAt, body); err != nil {
		return fmt.Errorf("op=outbox.append: %w", err)
	}
	return nil
}

// FetchUnrelayed returns unrelayed envelopes oldest first.
func (r *OutboxRepo) FetchUnrelayed(ctx domain.Context, limit int) ([]domain.Envelope, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.FetchUnrelayed")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `SELECT payload FROM outbox WHERE relayed_at IS NULL ORDER BY occurred_at ASC LIMIT $1`
	rows, err := r.Pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.fetch: %w", err)
	}
	defer rows.Close()
	var out []domain.Envelope
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("op=outbox.fetch: %w", err)
		}
		var ev domain.Envelope
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("op=outbox.fetch: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.fetch: %w", err)
	}
	return out, nil
}

// MarkRelayed stamps relayed_at after the broker acknowledged the event.
func (r *OutboxRepo) MarkRelayed(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkRelayed")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE outbox SET relayed_at=NOW() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=outbox.mark_relayed: %w", err)
	}
	return nil
}

// DeleteRelayedOlderThan prunes relayed envelopes past the retention window.
func (r *OutboxRepo) DeleteRelayedOlderThan(ctx domain.Context, age time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.DeleteRelayedOlderThan")
	defer span.End()
	sql := `DELETE FROM outbox WHERE relayed_at IS NOT NULL AND relayed_at < NOW() - make_interval(secs => $1)`
	tag, err := r.Pool.Exec(ctx, sql, age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=outbox.delete_relayed: %w", err)
	}
	return tag.RowsAffected(), nil
}
