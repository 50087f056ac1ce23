// Package outbox relays committed envelope rows to the event bus and owns
// the retention sweeps for relayed events and dead letters.
package outbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/workfabric/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workfabric/internal/domain"
	"github.com/fairyhunter13/workfabric/internal/observability"
)

// Publisher is the bus side of the relayer, satisfied by the redpanda
// adapter and by test fakes.
type Publisher interface {
	Publish(ctx domain.Context, topic, key string, value []byte) error
}

// Relayer drains unrelayed outbox rows to the bus in occurred_at order.
// Rows are marked relayed only after the bus acknowledged them, so a crash
// between publish and mark re-publishes; consumers de-duplicate on event id.
type Relayer struct {
	repo     *postgres.OutboxRepo
	bus      Publisher
	interval time.Duration
	batch    int
}

// NewRelayer constructs a Relayer polling at interval.
func NewRelayer(pool postgres.PgxPool, bus Publisher, interval time.Duration) *Relayer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Relayer{
		repo:     postgres.NewOutboxRepo(pool),
		bus:      bus,
		interval: interval,
		batch:    100,
	}
}

// Run polls until ctx is canceled.
func (r *Relayer) Run(ctx domain.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RelayOnce(ctx); err != nil {
				slog.Error("outbox relay pass failed", slog.Any("error", err))
			}
		}
	}
}

// RelayOnce drains one batch. Stops at the first publish failure to preserve
// per-entity ordering.
func (r *Relayer) RelayOnce(ctx domain.Context) error {
	tracer := otel.Tracer("outbox")
	ctx, span := tracer.Start(ctx, "outbox.RelayOnce")
	defer span.End()

	envelopes, err := r.repo.FetchUnrelayed(ctx, r.batch)
	if err != nil {
		return fmt.Errorf("op=outbox.RelayOnce: %w", err)
	}
	for _, ev := range envelopes {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("op=outbox.RelayOnce: %s: %w", ev.ID, err)
		}
		key := ev.Meta.DomainID
		if key == "" {
			key = ev.ID
		}
		if err := r.bus.Publish(ctx, redpanda.TopicEvents, key, body); err != nil {
			return fmt.Errorf("op=outbox.RelayOnce: %s: %w", ev.ID, err)
		}
		if err := r.repo.MarkRelayed(ctx, ev.ID); err != nil {
			return fmt.Errorf("op=outbox.RelayOnce: %s: %w", ev.ID, err)
		}
		observability.OutboxRelayedTotal.Inc()
	}
	return nil
}
