package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

const dlqReasonMaxLen = 1000

// NotificationRepo persists notifications, attempts, preferences and DLQ
// entries. Claim-phase methods take a Querier so they run inside the
// dispatcher's transactions; reads for operators run on the pool.
type NotificationRepo struct{ Pool PgxPool }

// NewNotificationRepo constructs a NotificationRepo with the given pool.
func NewNotificationRepo(p PgxPool) *NotificationRepo { return &NotificationRepo{Pool: p} }

// Get loads a notification by id on the caller's querier.
func (r *NotificationRepo) Get(ctx domain.Context, q Querier, id string) (domain.Notification, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.Get")
	defer span.End()
	sql := `SELECT id, org_id, user_id, channel, template, payload, status, delivery_token, delivery_committed_at, updated_at
	        FROM notifications WHERE id=$1`
	row := q.QueryRow(ctx, sql, id)
	var n domain.Notification
	var rawPayload []byte
	if err := row.Scan(&n.ID, &n.OrgID, &n.UserID, &n.Channel, &n.Template, &rawPayload,
		&n.Status, &n.DeliveryToken, &n.DeliveryCommittedAt, &n.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Notification{}, fmt.Errorf("op=notification.get: %w", domain.ErrNotFound)
		}
		return domain.Notification{}, fmt.Errorf("op=notification.get: %w", err)
	}
	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &n.Payload); err != nil {
			return domain.Notification{}, fmt.Errorf("op=notification.get: payload: %w", err)
		}
	}
	return n, nil
}

// CountAttempts returns the number of attempt rows for a notification.
func (r *NotificationRepo) CountAttempts(ctx domain.Context, q Querier, notificationID string) (int, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.CountAttempts")
	defer span.End()
	row := q.QueryRow(ctx, `SELECT COUNT(*) FROM notification_attempts WHERE notification_id=$1`, notificationID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=notification.count_attempts: %w", err)
	}
	return n, nil
}

// GetPreference loads the (user, channel) preference. Absence surfaces as
// ErrNotFound; the dispatcher treats that as enabled.
func (r *NotificationRepo) GetPreference(ctx domain.Context, q Querier, userID, channel string) (domain.NotificationPreference, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.GetPreference")
	defer span.End()
	sql := `SELECT id, user_id, channel, enabled, frequency
	        FROM notification_preferences WHERE user_id=$1 AND channel=$2`
	row := q.QueryRow(ctx, sql, userID, channel)
	var p domain.NotificationPreference
	if err := row.Scan(&p.ID, &p.UserID, &p.Channel, &p.Enabled, &p.Frequency); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotificationPreference{}, fmt.Errorf("op=notification.get_preference: %w", domain.ErrNotFound)
		}
		return domain.NotificationPreference{}, fmt.Errorf("op=notification.get_preference: %w", err)
	}
	return p, nil
}

// UpsertPreference writes a preference, conflicting on (user_id, channel).
func (r *NotificationRepo) UpsertPreference(ctx domain.Context, p domain.NotificationPreference) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.UpsertPreference")
	defer span.End()
	id := p.ID
	if id == "" {
		id = domain.NewID()
	}
	sql := `INSERT INTO notification_preferences (id, user_id, channel, enabled, frequency)
	        VALUES ($1,$2,$3,$4,$5)
	        ON CONFLICT (user_id, channel) DO UPDATE SET enabled=EXCLUDED.enabled, frequency=EXCLUDED.frequency`
	if _, err := r.Pool.Exec(ctx, sql, id, p.UserID, p.Channel, p.Enabled, p.Frequency); err != nil {
		return fmt.Errorf("op=notification.upsert_preference: %w", err)
	}
	return nil
}

// ClaimDeliveryToken atomically stamps the token onto an unclaimed row.
// Returns false when another worker already holds the claim.
func (r *NotificationRepo) ClaimDeliveryToken(ctx domain.Context, q Querier, id, token string) (bool, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.ClaimDeliveryToken")
	defer span.End()
	tag, err := q.Exec(ctx, `UPDATE notifications SET delivery_token=$2 WHERE id=$1 AND delivery_token IS NULL`, id, token)
	if err != nil {
		return false, fmt.Errorf("op=notification.claim_token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetFailedToPending rewinds a failed row for a manual redelivery. The state
// machine has no failed -> pending edge, so the rewind is this SQL update.
func (r *NotificationRepo) ResetFailedToPending(ctx domain.Context, q Querier, id string) (bool, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.ResetFailedToPending")
	defer span.End()
	tag, err := q.Exec(ctx, `UPDATE notifications SET status='pending', delivery_token=NULL, updated_at=NOW()
	                         WHERE id=$1 AND status='failed'`, id)
	if err != nil {
		return false, fmt.Errorf("op=notification.reset_failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveStatus persists the notification's current status and updated_at.
func (r *NotificationRepo) SaveStatus(ctx domain.Context, q Querier, n domain.Notification) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.SaveStatus")
	defer span.End()
	if _, err := q.Exec(ctx, `UPDATE notifications SET status=$2, updated_at=$3 WHERE id=$1`,
		n.ID, n.Status, n.UpdatedAt); err != nil {
		return fmt.Errorf("op=notification.save_status: %w", err)
	}
	return nil
}

// SetDeliveryCommitted stamps the delivery witness. Written in the same
// transaction as the delivered status so redelivery attempts short-circuit.
func (r *NotificationRepo) SetDeliveryCommitted(ctx domain.Context, q Querier, id string) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.SetDeliveryCommitted")
	defer span.End()
	if _, err := q.Exec(ctx, `UPDATE notifications SET delivery_committed_at=NOW() WHERE id=$1 AND delivery_committed_at IS NULL`, id); err != nil {
		return fmt.Errorf("op=notification.set_committed: %w", err)
	}
	return nil
}

// InsertAttempt appends an attempt row on the caller's querier.
func (r *NotificationRepo) InsertAttempt(ctx domain.Context, q Querier, a domain.NotificationAttempt) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.InsertAttempt")
	defer span.End()
	id := a.ID
	if id == "" {
		id = domain.NewID()
	}
	sql := `INSERT INTO notification_attempts (id, notification_id, attempt_number, status, error, created_at)
	        VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := q.Exec(ctx, sql, id, a.NotificationID, a.AttemptNumber, a.Status, a.Error, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=notification.insert_attempt: %w", err)
	}
	return nil
}

// InsertDLQ dead-letters a delivery. Reason is truncated so oversized provider
// errors never fail the insert.
func (r *NotificationRepo) InsertDLQ(ctx domain.Context, q Querier, e domain.DLQEntry) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.InsertDLQ")
	defer span.End()
	id := e.ID
	if id == "" {
		id = domain.NewID()
	}
	reason := e.Reason
	if len(reason) > dlqReasonMaxLen {
		reason = reason[:dlqReasonMaxLen]
	}
	sql := `INSERT INTO notification_dlq (id, org_id, notification_id, channel, reason, created_at)
	        VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := q.Exec(ctx, sql, id, e.OrgID, e.NotificationID, e.Channel, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=notification.insert_dlq: %w", err)
	}
	return nil
}

// ListDLQ returns an org's dead-lettered deliveries, newest first. Results are
// always scoped by org id.
func (r *NotificationRepo) ListDLQ(ctx domain.Context, orgID string, limit int) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.ListDLQ")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `SELECT id, org_id, notification_id, channel, reason, created_at
	        FROM notification_dlq WHERE org_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, sql, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=notification.list_dlq: %w", err)
	}
	defer rows.Close()
	var out []domain.DLQEntry
	for rows.Next() {
		var e domain.DLQEntry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.NotificationID, &e.Channel, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=notification.list_dlq: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=notification.list_dlq: %w", err)
	}
	return out, nil
}

// DeleteDLQOlderThan prunes dead letters past the retention window.
func (r *NotificationRepo) DeleteDLQOlderThan(ctx domain.Context, age time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.DeleteDLQOlderThan")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM notification_dlq WHERE created_at < NOW() - make_interval(secs => $1)`, age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=notification.delete_dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}
