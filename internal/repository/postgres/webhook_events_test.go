package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookEventRepo_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewWebhookEventRepo(db)
	now := time.Now()

	ev := &models.WebhookEvent{
		GatewayEventID: "EV-1", Type: "charge.success", PayloadHash: "abc",
		Payload: []byte(`{}`), ProcessingStatus: models.EventReceived, ReceivedAt: now,
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (gateway_event_id) DO NOTHING")).
		WithArgs("EV-1", "charge.success", "abc", []byte(`{}`), "received", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (gateway_event_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookEventRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewWebhookEventRepo(db)
	now := time.Now()

	columns := []string{"gateway_event_id", "type", "payload_hash", "payload", "processing_status", "attempts", "last_error", "received_at", "processed_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM webhook_events")).
		WithArgs("EV-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("EV-1", "charge.success", "abc", []byte(`{}`), "failed", 2, "boom", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM webhook_events")).
		WithArgs("EV-2").
		WillReturnRows(sqlmock.NewRows(columns))

	ev, err := repo.Get(context.Background(), "EV-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, ev.ProcessingStatus)
	assert.Equal(t, "boom", ev.LastError)
	assert.Equal(t, 2, ev.Attempts)
	assert.NotNil(t, ev.ProcessedAt)

	_, err = repo.Get(context.Background(), "EV-2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookEventRepo_StatusChanges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewWebhookEventRepo(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("SET processing_status = $1")).
		WithArgs("processed", nil, sqlmock.AnyArg(), "EV-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET processing_status = $1")).
		WithArgs("failed", "boom", sqlmock.AnyArg(), "EV-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("AND processing_status = 'failed'")).
		WithArgs(sqlmock.AnyArg(), "EV-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("AND processing_status = 'failed'")).
		WithArgs(sqlmock.AnyArg(), "EV-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.SetStatus(ctx, "EV-1", models.EventProcessed, ""))
	assert.ErrorIs(t, repo.SetStatus(ctx, "EV-missing", models.EventFailed, "boom"), repository.ErrNotFound)

	reopened, err := repo.Reopen(ctx, "EV-1")
	require.NoError(t, err)
	assert.True(t, reopened)

	reopened, err = repo.Reopen(ctx, "EV-2")
	require.NoError(t, err)
	assert.False(t, reopened)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookEventRepo_Cleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewWebhookEventRepo(db)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("WHERE processing_status = 'received' AND claimed_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("processing_status <> 'failed'")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.MarkStaleFailed(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = repo.Purge(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
