package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

func TestClaimDeliveryToken(t *testing.T) {
	var gotArgs []any
	pool := &poolStub{
		exec: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotArgs = args
			require.Contains(t, sql, "delivery_token IS NULL")
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	repo := NewNotificationRepo(pool)

	claimed, err := repo.ClaimDeliveryToken(context.Background(), pool, "n-1", "tok-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, []any{"n-1", "tok-1"}, gotArgs)
}

func TestClaimDeliveryTokenAlreadyHeld(t *testing.T) {
	pool := &poolStub{
		exec: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	repo := NewNotificationRepo(pool)

	claimed, err := repo.ClaimDeliveryToken(context.Background(), pool, "n-1", "tok-2")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestResetFailedToPending(t *testing.T) {
	rows := int64(1)
	pool := &poolStub{
		exec: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			require.Contains(t, sql, "status='failed'")
			require.Contains(t, sql, "delivery_token=NULL")
			if rows == 1 {
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	repo := NewNotificationRepo(pool)

	reset, err := repo.ResetFailedToPending(context.Background(), pool, "n-1")
	require.NoError(t, err)
	assert.True(t, reset)

	rows = 0
	reset, err = repo.ResetFailedToPending(context.Background(), pool, "n-1")
	require.NoError(t, err)
	assert.False(t, reset, "a row no longer failed must not be rewound")
}

func TestInsertDLQTruncatesReason(t *testing.T) {
	var gotReason string
	pool := &poolStub{
		exec: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
			gotReason = args[4].(string)
			return pgconn.CommandTag{}, nil
		},
	}
	repo := NewNotificationRepo(pool)

	long := strings.Repeat("x", 1500)
	err := repo.InsertDLQ(context.Background(), pool, domain.DLQEntry{
		OrgID:          "org-1",
		NotificationID: "n-1",
		Channel:        "webhook",
		Reason:         long,
	})
	require.NoError(t, err)
	assert.Len(t, gotReason, 1000)
	assert.Equal(t, long[:1000], gotReason)

	err = repo.InsertDLQ(context.Background(), pool, domain.DLQEntry{Reason: "short"})
	require.NoError(t, err)
	assert.Equal(t, "short", gotReason)
}

func TestGetPreferenceNotFound(t *testing.T) {
	pool := &poolStub{
		queryRow: func(context.Context, string, ...any) pgx.Row {
			return rowStub{scan: func(...any) error { return pgx.ErrNoRows }}
		},
	}
	repo := NewNotificationRepo(pool)

	_, err := repo.GetPreference(context.Background(), pool, "user-1", "email")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNotificationGetDecodesPayload(t *testing.T) {
	now := time.Now().UTC()
	pool := &poolStub{
		queryRow: func(context.Context, string, ...any) pgx.Row {
			return rowStub{scan: func(dest ...any) error {
				*dest[0].(*string) = "n-1"
				*dest[1].(*string) = "org-1"
				*dest[2].(*string) = "user-1"
				*dest[3].(*string) = "webhook"
				*dest[4].(*string) = "post_published"
				*dest[5].(*[]byte) = []byte(`{"webhook_url":"https://example.test/hook"}`)
				*dest[6].(*domain.NotificationStatus) = domain.NotificationPending
				*dest[7].(**string) = nil
				*dest[8].(**time.Time) = nil
				*dest[9].(*time.Time) = now
				return nil
			}}
		},
	}
	repo := NewNotificationRepo(pool)

	n, err := repo.Get(context.Background(), pool, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "n-1", n.ID)
	assert.Equal(t, domain.NotificationPending, n.Status)
	assert.Equal(t, "https://example.test/hook", n.Payload["webhook_url"])
	assert.Nil(t, n.DeliveryToken)
	assert.Nil(t, n.DeliveryCommittedAt)
}

func TestDeleteDLQOlderThanUsesSeconds(t *testing.T) {
	var gotAge any
	pool := &poolStub{
		exec: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			require.Contains(t, sql, "make_interval")
			gotAge = args[0]
			return pgconn.NewCommandTag("DELETE 3"), nil
		},
	}
	repo := NewNotificationRepo(pool)

	n, err := repo.DeleteDLQOlderThan(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, (48 * time.Hour).Seconds(), gotAge)
}
