package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
)

type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const transactionColumns = `id, reference, type, status, amount, currency, wallet_id, gateway_reference, escrow_release_at, version, created_at, updated_at`

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		tx        models.Transaction
		gatewayRf sql.NullString
		releaseAt sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.Reference, &tx.Type, &tx.Status, &tx.Amount, &tx.Currency, &tx.WalletID,
		&gatewayRf, &releaseAt, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.GatewayReference = gatewayRf.String
	tx.EscrowReleaseAt = timePtr(releaseAt)
	return &tx, nil
}

func (r *TransactionRepo) Create(ctx context.Context, tx *models.Transaction) error {
	return insertTransaction(ctx, r.db, tx)
}

func insertTransaction(ctx context.Context, ex execer, tx *models.Transaction) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO transactions (id, reference, type, status, amount, currency, wallet_id, gateway_reference, escrow_release_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.Reference, tx.Type, tx.Status, tx.Amount, tx.Currency, tx.WalletID,
		nullString(tx.GatewayReference), nullTime(tx.EscrowReleaseAt), tx.Version, tx.CreatedAt, tx.UpdatedAt)
	if isUniqueViolation(err, "") {
		return repository.ErrDuplicate
	}
	return err
}

func (r *TransactionRepo) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return tx, err
}

func (r *TransactionRepo) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return tx, err
}

func (r *TransactionRepo) Transition(ctx context.Context, t models.Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyTransition(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// applyTransition moves the status only while it still equals t.From and
// appends the history row in the same database transaction.
func applyTransition(ctx context.Context, tx execer, t models.Transition) error {
	at := t.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, version = version + 1, updated_at = $2,
			gateway_reference = COALESCE($3, gateway_reference),
			escrow_release_at = CASE WHEN $4 THEN NULL ELSE COALESCE($5, escrow_release_at) END
		WHERE id = $6 AND status = $7`,
		t.To, at, nullString(t.GatewayReference), t.ClearRelease, nullTime(t.EscrowReleaseAt), t.TransactionID, t.From)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrStatusConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transaction_transitions (transaction_id, from_status, to_status, trigger, gateway_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TransactionID, t.From, t.To, t.Trigger, nullString(t.GatewayEventID), at)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func (r *TransactionRepo) History(ctx context.Context, transactionID string) ([]models.Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT transaction_id, from_status, to_status, trigger, gateway_event_id, created_at
		FROM transaction_transitions
		WHERE transaction_id = $1
		ORDER BY id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.Transition
	for rows.Next() {
		var (
			t       models.Transition
			eventID sql.NullString
		)
		if err := rows.Scan(&t.TransactionID, &t.From, &t.To, &t.Trigger, &eventID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.GatewayEventID = eventID.String
		history = append(history, t)
	}
	return history, rows.Err()
}

// ListDueReleases returns held transactions whose release deadline passed.
// Only escrowed charges and successful transfers ever carry a deadline.
func (r *TransactionRepo) ListDueReleases(ctx context.Context, now time.Time, after repository.Cursor, limit int) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status IN ('escrowed', 'successful') AND escrow_release_at IS NOT NULL AND escrow_release_at <= $1
			AND (escrow_release_at, id) > ($2, $3)
		ORDER BY escrow_release_at, id
		LIMIT $4`, now, after.At, after.ID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *TransactionRepo) ListStalePending(ctx context.Context, before time.Time, types []models.TransactionType, after repository.Cursor, limit int) ([]models.Transaction, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'pending' AND created_at < $1 AND type = ANY($2)
			AND (created_at, id) > ($3, $4)
		ORDER BY created_at, id
		LIMIT $5`, before, pq.Array(names), after.At, after.ID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}
