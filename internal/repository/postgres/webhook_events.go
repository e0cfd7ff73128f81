package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
)

type WebhookEventRepo struct {
	db *sql.DB
}

func NewWebhookEventRepo(db *sql.DB) *WebhookEventRepo {
	return &WebhookEventRepo{db: db}
}

// Insert relies on the primary key: exactly one concurrent writer gets a row.
func (r *WebhookEventRepo) Insert(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (gateway_event_id, type, payload_hash, payload, processing_status, attempts, received_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		ON CONFLICT (gateway_event_id) DO NOTHING`,
		ev.GatewayEventID, ev.Type, ev.PayloadHash, ev.Payload, ev.ProcessingStatus, ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *WebhookEventRepo) Get(ctx context.Context, gatewayEventID string) (*models.WebhookEvent, error) {
	var (
		ev          models.WebhookEvent
		lastError   sql.NullString
		processedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT gateway_event_id, type, payload_hash, payload, processing_status, attempts, last_error, received_at, processed_at
		FROM webhook_events
		WHERE gateway_event_id = $1`, gatewayEventID).
		Scan(&ev.GatewayEventID, &ev.Type, &ev.PayloadHash, &ev.Payload, &ev.ProcessingStatus, &ev.Attempts, &lastError, &ev.ReceivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.LastError = lastError.String
	ev.ProcessedAt = timePtr(processedAt)
	return &ev, nil
}

func (r *WebhookEventRepo) SetStatus(ctx context.Context, gatewayEventID string, status models.ProcessingStatus, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processing_status = $1, last_error = $2, processed_at = $3
		WHERE gateway_event_id = $4`,
		status, nullString(lastError), time.Now(), gatewayEventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *WebhookEventRepo) Reopen(ctx context.Context, gatewayEventID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processing_status = 'received', attempts = attempts + 1, last_error = NULL, processed_at = NULL, claimed_at = $1
		WHERE gateway_event_id = $2 AND processing_status = 'failed'`,
		time.Now(), gatewayEventID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkStaleFailed turns claims abandoned mid-processing into replayable failures.
func (r *WebhookEventRepo) MarkStaleFailed(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processing_status = 'failed', last_error = 'claim expired before processing finished'
		WHERE processing_status = 'received' AND claimed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Purge never removes failed entries; they wait for manual review.
func (r *WebhookEventRepo) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_events
		WHERE received_at < $1 AND processing_status <> 'failed'`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
