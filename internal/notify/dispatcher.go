// Package notify delivers notifications with a two-transaction protocol: the
// first transaction claims the row with a delivery token, the external send
// runs outside any transaction, and the second transaction commits the
// outcome together with its outbox event.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workfabric/internal/domain"
	"github.com/fairyhunter13/workfabric/internal/observability"
)

const (
	maxDeliveryAttempts = 3
	maxBatchSize        = 100
	batchConcurrency    = 5
	claimStmtTimeout    = "10s"
)

// Dispatcher owns notification delivery across all channels.
type Dispatcher struct {
	pool     postgres.PgxPool
	repo     *postgres.NotificationRepo
	outbox   *postgres.OutboxRepo
	adapters map[string]domain.SendAdapter
}

// NewDispatcher constructs a Dispatcher over the pool.
func NewDispatcher(pool postgres.PgxPool) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		repo:     postgres.NewNotificationRepo(pool),
		outbox:   postgres.NewOutboxRepo(pool),
		adapters: make(map[string]domain.SendAdapter),
	}
}

// RegisterAdapter binds a channel adapter.
func (d *Dispatcher) RegisterAdapter(a domain.SendAdapter) {
	d.adapters[a.Channel()] = a
}

// Dispatch delivers one notification. Redelivery of an already-delivered
// notification is a no-op; a notification claimed by a concurrent worker is
// skipped without error.
func (d *Dispatcher) Dispatch(ctx domain.Context, notificationID string) error {
	tracer := otel.Tracer("notify")
	ctx, span := tracer.Start(ctx, "notify.Dispatch")
	defer span.End()

	claim, err := d.claim(ctx, notificationID)
	if err != nil || claim == nil {
		return err
	}

	// The external send runs with no transaction open; a slow provider must
	// not pin a database connection.
	res := claim.adapter.Send(ctx, domain.SendMessage{
		NotificationID: claim.n.ID,
		OrgID:          claim.n.OrgID,
		UserID:         claim.n.UserID,
		Channel:        claim.n.Channel,
		Template:       claim.n.Template,
		Payload:        claim.n.Payload,
	})

	if res.Success {
		return d.commitSuccess(ctx, claim, res)
	}
	return d.commitFailure(ctx, claim, res)
}

// DispatchBatch delivers up to 100 notifications with bounded concurrency.
// Per-id failures are joined, not short-circuited.
func (d *Dispatcher) DispatchBatch(ctx domain.Context, ids []string) error {
	if len(ids) > maxBatchSize {
		return fmt.Errorf("op=notify.DispatchBatch: %d ids exceeds %d: %w", len(ids), maxBatchSize, domain.ErrInvalidArgument)
	}
	sem := make(chan struct{}, batchConcurrency)
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = d.Dispatch(ctx, id)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// claimResult carries the TX1 outcome into the send and TX2 phases.
type claimResult struct {
	n        domain.Notification
	adapter  domain.SendAdapter
	attempts int
}

// claim is TX1: load, short-circuit terminal rows, enforce the attempt cap,
// apply preferences, claim the delivery token and move to sending.
func (d *Dispatcher) claim(ctx domain.Context, id string) (*claimResult, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=notify.claim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SET LOCAL statement_timeout = '"+claimStmtTimeout+"'"); err != nil {
		return nil, fmt.Errorf("op=notify.claim: %w", err)
	}

	n, err := d.repo.Get(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("op=notify.claim: %w", err)
	}
	if n.DeliveryCommittedAt != nil || n.Status == domain.NotificationDelivered {
		slog.Info("notification already delivered", slog.String("notification_id", id))
		return nil, nil
	}

	attempts, err := d.repo.CountAttempts(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("op=notify.claim: %w", err)
	}
	if attempts >= maxDeliveryAttempts {
		return nil, d.deadLetter(ctx, tx, n, fmt.Sprintf("attempt cap reached after %d attempts", attempts))
	}

	pref, err := d.repo.GetPreference(ctx, tx, n.UserID, n.Channel)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("op=notify.claim: %w", err)
	}
	if err == nil && !pref.Enabled {
		return nil, d.skipInTx(ctx, tx, n)
	}

	adapter, ok := d.adapters[n.Channel]
	if !ok {
		return nil, domain.NoRetry(fmt.Errorf("op=notify.claim: channel %q has no adapter: %w", n.Channel, domain.ErrNotFound))
	}

	if n.Status == domain.NotificationFailed {
		reset, rerr := d.repo.ResetFailedToPending(ctx, tx, id)
		if rerr != nil {
			return nil, fmt.Errorf("op=notify.claim: %w", rerr)
		}
		if !reset {
			return nil, fmt.Errorf("op=notify.claim: %s: failed row changed underfoot: %w", id, domain.ErrConflict)
		}
		n.Status = domain.NotificationPending
		n.DeliveryToken = nil
	}

	token := domain.NewID()
	claimed, err := d.repo.ClaimDeliveryToken(ctx, tx, id, token)
	if err != nil {
		return nil, fmt.Errorf("op=notify.claim: %w", err)
	}
	if !claimed {
		slog.Info("notification claimed by another worker", slog.String("notification_id", id))
		return nil, nil
	}

	if err := n.Start(); err != nil {
		return nil, fmt.Errorf("op=notify.claim: %s: status %s: %w", id, n.Status, err)
	}
	if err := d.repo.SaveStatus(ctx, tx, n); err != nil {
		return nil, fmt.Errorf("op=notify.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=notify.claim: commit: %w", err)
	}
	return &claimResult{n: n, adapter: adapter, attempts: attempts}, nil
}

// deadLetter writes the DLQ entry and marks the row failed inside the
// caller's transaction, then commits it.
func (d *Dispatcher) deadLetter(ctx domain.Context, tx pgx.Tx, n domain.Notification, reason string) error {
	if err := d.repo.InsertDLQ(ctx, tx, domain.DLQEntry{
		OrgID:          n.OrgID,
		NotificationID: n.ID,
		Channel:        n.Channel,
		Reason:         reason,
	}); err != nil {
		return fmt.Errorf("op=notify.dead_letter: %w", err)
	}
	n.Status = domain.NotificationFailed
	n.UpdatedAt = time.Now().UTC()
	if err := d.repo.SaveStatus(ctx, tx, n); err != nil {
		return fmt.Errorf("op=notify.dead_letter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=notify.dead_letter: commit: %w", err)
	}
	observability.DLQEntriesTotal.WithLabelValues("notification").Inc()
	slog.Warn("notification dead-lettered",
		slog.String("notification_id", n.ID),
		slog.String("reason", reason))
	return nil
}

// skipInTx settles a preference-disabled delivery inside the claim
// transaction: the row goes to delivered without any external send, and a
// notification.skipped audit event keeps it distinguishable from a real
// delivery. No attempt row is written.
func (d *Dispatcher) skipInTx(ctx domain.Context, tx pgx.Tx, n domain.Notification) error {
	if err := n.Succeed(); err != nil {
		return fmt.Errorf("op=notify.skip: %w", err)
	}
	if err := d.repo.SaveStatus(ctx, tx, n); err != nil {
		return fmt.Errorf("op=notify.skip: %w", err)
	}
	if err := d.repo.SetDeliveryCommitted(ctx, tx, n.ID); err != nil {
		return fmt.Errorf("op=notify.skip: %w", err)
	}
	if err := d.outbox.Append(ctx, tx, d.event("notification.skipped", n, map[string]any{
		"reason": "preference disabled",
	})); err != nil {
		return fmt.Errorf("op=notify.skip: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=notify.skip: commit: %w", err)
	}
	slog.Info("notification skipped by preference",
		slog.String("notification_id", n.ID),
		slog.String("channel", n.Channel))
	return nil
}

// commitSuccess is TX2 on the happy path: attempt row, delivered status, the
// delivery witness and the notification.sent event commit atomically.
func (d *Dispatcher) commitSuccess(ctx domain.Context, claim *claimResult, res domain.SendResult) error {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=notify.commit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n := claim.n
	if err := d.repo.InsertAttempt(ctx, tx, domain.NotificationAttempt{
		NotificationID: n.ID,
		AttemptNumber:  claim.attempts + 1,
		Status:         "success",
	}); err != nil {
		return fmt.Errorf("op=notify.commit: %w", err)
	}
	if err := n.Succeed(); err != nil {
		return fmt.Errorf("op=notify.commit: %w", err)
	}
	if err := d.repo.SaveStatus(ctx, tx, n); err != nil {
		return fmt.Errorf("op=notify.commit: %w", err)
	}
	if err := d.repo.SetDeliveryCommitted(ctx, tx, n.ID); err != nil {
		return fmt.Errorf("op=notify.commit: %w", err)
	}
	if err := d.outbox.Append(ctx, tx, d.event("notification.sent", n, map[string]any{
		"provider_id": res.ProviderID,
	})); err != nil {
		return fmt.Errorf("op=notify.commit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=notify.commit: commit: %w", err)
	}
	observability.NotificationsDeliveredTotal.WithLabelValues(n.Channel).Inc()
	return nil
}

// commitFailure is TX2 on the failure path. The attempt cap is enforced here
// as well so the final failure dead-letters immediately instead of waiting
// for the next redelivery.
func (d *Dispatcher) commitFailure(ctx domain.Context, claim *claimResult, res domain.SendResult) error {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=notify.fail: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reason := "send failed"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	n := claim.n
	if err := d.repo.InsertAttempt(ctx, tx, domain.NotificationAttempt{
		NotificationID: n.ID,
		AttemptNumber:  claim.attempts + 1,
		Status:         "failure",
		Error:          reason,
	}); err != nil {
		return fmt.Errorf("op=notify.fail: %w", err)
	}
	if err := n.Fail(); err != nil {
		return fmt.Errorf("op=notify.fail: %w", err)
	}
	if err := d.repo.SaveStatus(ctx, tx, n); err != nil {
		return fmt.Errorf("op=notify.fail: %w", err)
	}
	if claim.attempts+1 >= maxDeliveryAttempts {
		if err := d.repo.InsertDLQ(ctx, tx, domain.DLQEntry{
			OrgID:          n.OrgID,
			NotificationID: n.ID,
			Channel:        n.Channel,
			Reason:         reason,
		}); err != nil {
			return fmt.Errorf("op=notify.fail: %w", err)
		}
		observability.DLQEntriesTotal.WithLabelValues("notification").Inc()
	}
	if err := d.outbox.Append(ctx, tx, d.event("notification.failed", n, map[string]any{
		"reason": reason,
	})); err != nil {
		return fmt.Errorf("op=notify.fail: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=notify.fail: commit: %w", err)
	}
	observability.NotificationsFailedTotal.WithLabelValues(n.Channel).Inc()
	slog.Warn("notification delivery failed",
		slog.String("notification_id", n.ID),
		slog.String("channel", n.Channel),
		slog.Int("attempt", claim.attempts+1),
		slog.String("reason", reason))
	return nil
}

func (d *Dispatcher) event(name string, n domain.Notification, payload map[string]any) domain.Envelope {
	payload["notification_id"] = n.ID
	payload["channel"] = n.Channel
	return domain.Envelope{
		ID:         domain.NewID(),
		Name:       name,
		Version:    1,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
		Meta: domain.EnvelopeMeta{
			Source:   "workfabric.notify",
			DomainID: n.OrgID,
		},
	}
}
