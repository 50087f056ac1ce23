// Package feedback aggregates feedback events into per-window metric rows.
package feedback

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workfabric/internal/domain"
)

// Windows are the rolling aggregation windows in days. Each window is a
// separate row per (org, entity), never a shared accumulator.
var Windows = []int{7, 30, 90}

// Event is one feedback signal for an entity.
type Event struct {
	OrgID    string  `json:"org_id"`
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
}

// Ingestor upserts window aggregates.
type Ingestor struct {
	pool    postgres.PgxPool
	enabled bool
}

// NewIngestor constructs an Ingestor. When disabled, Ingest refuses work with
// ErrNotImplemented so callers can probe the flag by scheduling.
func NewIngestor(pool postgres.PgxPool, enabled bool) *Ingestor {
	return &Ingestor{pool: pool, enabled: enabled}
}

// Enabled reports whether ingestion is switched on.
func (i *Ingestor) Enabled() bool { return i.enabled }

// Ingest folds one event into every window's aggregate row.
func (i *Ingestor) Ingest(ctx domain.Context, ev Event) error {
	tracer := otel.Tracer("feedback")
	ctx, span := tracer.Start(ctx, "feedback.Ingest")
	defer span.End()

	if !i.enabled {
		return domain.NoRetry(fmt.Errorf("op=feedback.Ingest: ingestion disabled: %w", domain.ErrNotImplemented))
	}
	if ev.OrgID == "" || ev.EntityID == "" {
		return domain.NoRetry(fmt.Errorf("op=feedback.Ingest: org_id and entity_id required: %w", domain.ErrInvalidArgument))
	}

	sql := `INSERT INTO feedback_metrics (id, org_id, entity_id, window_days, sample_count, score_sum, updated_at)
	        VALUES ($1,$2,$3,$4,1,$5,NOW())
	        ON CONFLICT (org_id, entity_id, window_days)
	        DO UPDATE SET sample_count = feedback_metrics.sample_count + 1,
	                      score_sum    = feedback_metrics.score_sum + EXCLUDED.score_sum,
	                      updated_at   = NOW()`
	for _, window := range Windows {
		if _, err := i.pool.Exec(ctx, sql, domain.NewID(), ev.OrgID, ev.EntityID, window, ev.Score); err != nil {
			return fmt.Errorf("op=feedback.Ingest: window %d: %w", window, err)
		}
	}
	return nil
}

// ParseEvent decodes a job payload into an Event.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("op=feedback.ParseEvent: %v: %w", err, domain.ErrSchemaInvalid)
	}
	return ev, nil
}
