// Package capacity enforces the per-org in-flight job cap behind a Postgres
// advisory lock, so concurrent schedulers cannot burst past the limit.
package capacity

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workfabric/internal/domain"
	"github.com/fairyhunter13/workfabric/internal/observability"
)

// advisoryLockClass namespaces this gate's advisory locks away from any other
// advisory-lock user sharing the database.
const advisoryLockClass = 1001

const (
	lockMissRetryAfter   = 5 * time.Second
	atCapacityRetryAfter = 60 * time.Second
)

// Gate serializes capacity checks per org. MaxActive is clamped by config.
type Gate struct {
	pool      postgres.PgxPool
	maxActive int
}

// New constructs a Gate over the pool with the given per-org cap.
func New(pool postgres.PgxPool, maxActive int) *Gate {
	return &Gate{pool: pool, maxActive: maxActive}
}

// Assert acquires the org's advisory lock in its own transaction and verifies
// the in-flight count is under the cap. Both rejection paths surface as
// RateLimitError so callers re-enqueue instead of failing the job.
func (g *Gate) Assert(ctx domain.Context, orgID string) error {
	tracer := otel.Tracer("capacity")
	ctx, span := tracer.Start(ctx, "capacity.Assert")
	defer span.End()

	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=capacity.Assert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := g.AssertInTx(ctx, tx, orgID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=capacity.Assert: commit: %w", err)
	}
	return nil
}

// AssertInTx runs the gate inside the caller's transaction. The advisory lock
// is xact-scoped and releases automatically at commit or rollback.
func (g *Gate) AssertInTx(ctx domain.Context, q postgres.Querier, orgID string) error {
	var locked bool
	row := q.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1, hashtext($2))`, advisoryLockClass, orgID)
	if err := row.Scan(&locked); err != nil {
		return fmt.Errorf("op=capacity.Assert: advisory lock: %w", err)
	}
	if !locked {
		observability.CapacityRejectionsTotal.WithLabelValues("lock_busy").Inc()
		slog.Debug("capacity gate busy", slog.String("org_id", orgID))
		return domain.NewRateLimitError(lockMissRetryAfter, "capacity check in progress for org")
	}

	var inFlight int
	row = q.QueryRow(ctx, `SELECT COUNT(*) FROM job_executions WHERE entity_id=$1 AND status = ANY($2)`,
		orgID, inFlightStatusStrings())
	if err := row.Scan(&inFlight); err != nil {
		return fmt.Errorf("op=capacity.Assert: count: %w", err)
	}
	if inFlight >= g.maxActive {
		observability.CapacityRejectionsTotal.WithLabelValues("at_capacity").Inc()
		slog.Warn("org at capacity",
			slog.String("org_id", orgID),
			slog.Int("in_flight", inFlight),
			slog.Int("max_active", g.maxActive))
		return domain.NewRateLimitError(atCapacityRetryAfter,
			fmt.Sprintf("org has %d of %d jobs in flight", inFlight, g.maxActive))
	}
	return nil
}

// Check returns the current usage without taking the lock. The result is
// advisory only; enforcement always goes through Assert.
func (g *Gate) Check(ctx domain.Context, orgID string) (used, limit int, err error) {
	tracer := otel.Tracer("capacity")
	ctx, span := tracer.Start(ctx, "capacity.Check")
	defer span.End()
	row := g.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_executions WHERE entity_id=$1 AND status = ANY($2)`,
		orgID, inFlightStatusStrings())
	if err := row.Scan(&used); err != nil {
		return 0, 0, fmt.Errorf("op=capacity.Check: %w", err)
	}
	return used, g.maxActive, nil
}

func inFlightStatusStrings() []string {
	out := make([]string, len(domain.InFlightStatuses))
	for i, s := range domain.InFlightStatuses {
		out[i] = string(s)
	}
	return out
}
