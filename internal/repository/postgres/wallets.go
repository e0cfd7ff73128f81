package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
)

type WalletRepo struct {
	db *sql.DB
}

func NewWalletRepo(db *sql.DB) *WalletRepo {
	return &WalletRepo{db: db}
}

// Open creates an empty wallet unless one already exists.
func (r *WalletRepo) Open(ctx context.Context, walletID, currency string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (id, currency) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, walletID, currency)
	return err
}

func (r *WalletRepo) Get(ctx context.Context, walletID string) (*models.WalletAccount, error) {
	var w models.WalletAccount
	err := r.db.QueryRowContext(ctx, `
		SELECT id, balance, pending_balance, escrow_balance, currency, version, updated_at
		FROM wallets
		WHERE id = $1`, walletID).Scan(&w.ID, &w.Balance, &w.PendingBalance, &w.EscrowBalance, &w.Currency, &w.Version, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

const entryColumns = `id, wallet_id, transaction_id, kind, amount, balance_after, pending_after, escrow_after, inbound, settles_entry_id, created_at`

func scanEntry(row scanner) (*models.LedgerEntry, error) {
	var (
		e       models.LedgerEntry
		settles sql.NullString
	)
	if err := row.Scan(&e.ID, &e.WalletID, &e.TransactionID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.PendingAfter, &e.EscrowAfter, &e.Inbound, &settles, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.SettlesEntryID = settles.String
	return &e, nil
}

func (r *WalletRepo) ActiveHold(ctx context.Context, transactionID string) (*models.LedgerEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries h
		WHERE h.transaction_id = $1 AND h.kind = 'hold'
			AND NOT EXISTS (SELECT 1 FROM ledger_entries s WHERE s.settles_entry_id = h.id)
		ORDER BY h.created_at DESC
		LIMIT 1`, transactionID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return e, err
}

// Commit writes the wallet, the entry, the optional new transaction and the
// optional transition in one database transaction. The wallet update runs
// first so a concurrent writer blocks on the row lock and then fails the
// version check.
func (r *WalletRepo) Commit(ctx context.Context, m repository.Mutation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $1, pending_balance = $2, escrow_balance = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		m.Wallet.Balance, m.Wallet.PendingBalance, m.Wallet.EscrowBalance, m.Entry.CreatedAt, m.Wallet.ID, m.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrVersionConflict
	}

	if m.Create != nil {
		if err := insertTransaction(ctx, tx, m.Create); err != nil {
			return err
		}
	}

	e := m.Entry
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.WalletID, e.TransactionID, e.Kind, e.Amount, e.BalanceAfter, e.PendingAfter, e.EscrowAfter, e.Inbound, nullString(e.SettlesEntryID), e.CreatedAt)
	if isUniqueViolation(err, "ledger_entries_settles_entry_id_key") {
		return repository.ErrHoldSettled
	}
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	if m.Transition != nil {
		if err := applyTransition(ctx, tx, *m.Transition); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *WalletRepo) EntryTotals(ctx context.Context, walletID string) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE kind
			WHEN 'credit' THEN amount
			WHEN 'release' THEN amount
			WHEN 'debit' THEN -amount
			ELSE 0 END), 0)
		FROM ledger_entries
		WHERE wallet_id = $1`, walletID).Scan(&total)
	return total, err
}

func (r *WalletRepo) Entries(ctx context.Context, walletID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *WalletRepo) TransactionEntries(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()
	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *WalletRepo) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM wallets WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
