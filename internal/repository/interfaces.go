package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ruralpay/payments-core/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the wallet changed since it was read.
	ErrVersionConflict = errors.New("wallet version conflict")
	// ErrStatusConflict means the transaction left the expected status.
	ErrStatusConflict = errors.New("transaction status conflict")
	// ErrHoldSettled means another writer already settled the hold.
	ErrHoldSettled = errors.New("hold already settled")
	ErrDuplicate   = errors.New("duplicate key")
)

// Mutation is one atomic ledger write: the new wallet state (guarded by
// ExpectedVersion) and the entry that explains it. Create inserts a new
// transaction alongside; Transition applies a conditional status change.
type Mutation struct {
	Wallet          models.WalletAccount
	ExpectedVersion int
	Entry           models.LedgerEntry
	Create          *models.Transaction
	Transition      *models.Transition
}

// Cursor is a keyset position in a time-ordered listing. The zero value
// starts from the beginning.
type Cursor struct {
	At time.Time
	ID string
}

type WalletRepo interface {
	// Open creates an empty wallet unless it already exists.
	Open(ctx context.Context, walletID, currency string) error
	Get(ctx context.Context, walletID string) (*models.WalletAccount, error)
	// ActiveHold returns the newest un-settled hold entry for a transaction.
	ActiveHold(ctx context.Context, transactionID string) (*models.LedgerEntry, error)
	Commit(ctx context.Context, m Mutation) error
	// EntryTotals returns the balance reconstructed from entries.
	EntryTotals(ctx context.Context, walletID string) (int64, error)
	Entries(ctx context.Context, walletID string, limit int) ([]models.LedgerEntry, error)
	// TransactionEntries returns every entry booked for a transaction, oldest first.
	TransactionEntries(ctx context.Context, transactionID string) ([]models.LedgerEntry, error)
	ListIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

type TransactionRepo interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)
	// Transition applies t only while the transaction is still in t.From.
	Transition(ctx context.Context, t models.Transition) error
	History(ctx context.Context, transactionID string) ([]models.Transition, error)
	// ListDueReleases pages by (escrow_release_at, id) strictly after the cursor.
	ListDueReleases(ctx context.Context, now time.Time, after Cursor, limit int) ([]models.Transaction, error)
	// ListStalePending pages by (created_at, id) strictly after the cursor.
	ListStalePending(ctx context.Context, before time.Time, types []models.TransactionType, after Cursor, limit int) ([]models.Transaction, error)
}

type WebhookEventRepo interface {
	// Insert creates the record; false means it already existed.
	Insert(ctx context.Context, ev *models.WebhookEvent) (bool, error)
	Get(ctx context.Context, gatewayEventID string) (*models.WebhookEvent, error)
	SetStatus(ctx context.Context, gatewayEventID string, status models.ProcessingStatus, lastError string) error
	// Reopen moves a failed record back to received; false when it was not failed.
	Reopen(ctx context.Context, gatewayEventID string) (bool, error)
	MarkStaleFailed(ctx context.Context, before time.Time) (int64, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}
