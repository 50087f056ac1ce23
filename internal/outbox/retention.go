package outbox

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/workfabric/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workfabric/internal/domain"
)

// Retention prunes relayed outbox rows and aged dead letters on a timer.
type Retention struct {
	outbox       *postgres.OutboxRepo
	notification *postgres.NotificationRepo

	outboxMaxAge time.Duration
	dlqMaxAge    time.Duration
	interval     time.Duration
}

// NewRetention constructs the sweep with the configured ages.
func NewRetention(pool postgres.PgxPool, outboxMaxAge, dlqMaxAge, interval time.Duration) *Retention {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Retention{
		outbox:       postgres.NewOutboxRepo(pool),
		notification: postgres.NewNotificationRepo(pool),
		outboxMaxAge: outboxMaxAge,
		dlqMaxAge:    dlqMaxAge,
		interval:     interval,
	}
}

// Run sweeps once at start and then on every tick until ctx is canceled.
func (r *Retention) Run(ctx domain.Context) {
	r.sweep(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Retention) sweep(ctx domain.Context) {
	if r.outboxMaxAge > 0 {
		n, err := r.outbox.DeleteRelayedOlderThan(ctx, r.outboxMaxAge)
		if err != nil {
			slog.Error("outbox retention sweep failed", slog.Any("error", err))
		} else if n > 0 {
			slog.Info("outbox rows pruned", slog.Int64("count", n))
		}
	}
	if r.dlqMaxAge > 0 {
		n, err := r.notification.DeleteDLQOlderThan(ctx, r.dlqMaxAge)
		if err != nil {
			slog.Error("dlq retention sweep failed", slog.Any("error", err))
		} else if n > 0 {
			slog.Info("dlq rows pruned", slog.Int64("count", n))
		}
	}
}
