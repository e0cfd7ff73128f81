package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/payments-core/internal/audit"
	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/metrics"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
)

// LedgerService owns wallet balances. Every mutation reads the wallet,
// computes the new state and commits it conditionally on the version it
// read; a lost race restarts from a fresh read.
type LedgerService struct {
	wallets    repository.WalletRepo
	audit      *audit.AuditLogger
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

func NewLedgerService(wallets repository.WalletRepo, cfg config.LedgerConfig, auditLogger *audit.AuditLogger, logger *slog.Logger) *LedgerService {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &LedgerService{
		wallets:    wallets,
		audit:      auditLogger,
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    cfg.RetryBackoff,
		now:        time.Now,
	}
}

type mutationOptions struct {
	transition *models.Transition
	create     *models.Transaction
}

// MutationOption attaches extra writes to a ledger mutation.
type MutationOption func(*mutationOptions)

// WithTransition commits a conditional status change together with the
// ledger entry. If the transaction already left t.From the whole mutation
// rolls back with repository.ErrStatusConflict.
func WithTransition(t models.Transition) MutationOption {
	return func(o *mutationOptions) { o.transition = &t }
}

// WithNewTransaction inserts tx in the same commit as the ledger entry, so
// a transaction never exists without the write that backs it. A reference
// that already exists fails the mutation with repository.ErrDuplicate.
func WithNewTransaction(tx *models.Transaction) MutationOption {
	return func(o *mutationOptions) { o.create = tx }
}

func (s *LedgerService) OpenWallet(ctx context.Context, walletID, currency string) error {
	return s.wallets.Open(ctx, walletID, currency)
}

func (s *LedgerService) Wallet(ctx context.Context, walletID string) (*models.WalletAccount, error) {
	w, err := s.wallets.Get(ctx, walletID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (s *LedgerService) Entries(ctx context.Context, walletID string, limit int) ([]models.LedgerEntry, error) {
	return s.wallets.Entries(ctx, walletID, limit)
}

// WalletIDs pages through wallet ids in ascending order.
func (s *LedgerService) WalletIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return s.wallets.ListIDs(ctx, afterID, limit)
}

func (s *LedgerService) Credit(ctx context.Context, walletID string, amount int64, transactionID string, opts ...MutationOption) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mutate(ctx, walletID, transactionID, opts, func(w *models.WalletAccount) (*models.LedgerEntry, error) {
		w.Balance += amount
		return &models.LedgerEntry{Kind: models.EntryCredit, Amount: amount}, nil
	})
}

func (s *LedgerService) Debit(ctx context.Context, walletID string, amount int64, transactionID string, opts ...MutationOption) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mutate(ctx, walletID, transactionID, opts, func(w *models.WalletAccount) (*models.LedgerEntry, error) {
		if w.Available() < amount {
			return nil, &InsufficientFundsError{WalletID: w.ID, Requested: amount, Available: w.Available()}
		}
		w.Balance -= amount
		return &models.LedgerEntry{Kind: models.EntryDebit, Amount: amount}, nil
	})
}

// Hold reserves spendable funds, typically for an outbound transfer.
func (s *LedgerService) Hold(ctx context.Context, walletID string, amount int64, transactionID string, opts ...MutationOption) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mutate(ctx, walletID, transactionID, opts, func(w *models.WalletAccount) (*models.LedgerEntry, error) {
		if w.Available() < amount {
			return nil, &InsufficientFundsError{WalletID: w.ID, Requested: amount, Available: w.Available()}
		}
		w.PendingBalance += amount
		return &models.LedgerEntry{Kind: models.EntryHold, Amount: amount}, nil
	})
}

// HoldInbound escrows funds a charge brought in. They are tracked in
// EscrowBalance, outside the balance, so they need no headroom and never
// reduce what the wallet can spend.
func (s *LedgerService) HoldInbound(ctx context.Context, walletID string, amount int64, transactionID string, opts ...MutationOption) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mutate(ctx, walletID, transactionID, opts, func(w *models.WalletAccount) (*models.LedgerEntry, error) {
		w.EscrowBalance += amount
		return &models.LedgerEntry{Kind: models.EntryHold, Amount: amount, Inbound: true}, nil
	})
}

// Release settles the transaction's active hold. Inbound holds settle to
// credit or refund, outbound reservations to debit or refund.
func (s *LedgerService) Release(ctx context.Context, transactionID string, outcome models.ReleaseOutcome, opts ...MutationOption) (*models.LedgerEntry, error) {
	hold, err := s.activeHold(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	entry, err := s.mutate(ctx, hold.WalletID, transactionID, opts, func(w *models.WalletAccount) (*models.LedgerEntry, error) {
		// Re-read after the wallet: a settle that committed before our
		// version read is visible here, one that commits later bumps the
		// version and fails our write.
		current, err := s.activeHold(ctx, transactionID)
		if err != nil {
			return nil, err
		}
		held := &w.PendingBalance
		if current.Inbound {
			held = &w.EscrowBalance
		}
		if *held < current.Amount {
			return nil, fmt.Errorf("wallet %s: held balance %d below hold amount %d", w.ID, *held, current.Amount)
		}

		e := &models.LedgerEntry{Amount: current.Amount, SettlesEntryID: current.ID, Inbound: current.Inbound}
		switch {
		case outcome == models.ReleaseToRefund:
			e.Kind = models.EntryRefund
		case outcome == models.ReleaseToCredit && current.Inbound:
			w.Balance += current.Amount
			e.Kind = models.EntryRelease
		case outcome == models.ReleaseToDebit && !current.Inbound:
			if w.Balance < current.Amount {
				return nil, &InsufficientFundsError{WalletID: w.ID, Requested: current.Amount, Available: w.Balance}
			}
			w.Balance -= current.Amount
			e.Kind = models.EntryDebit
		default:
			return nil, fmt.Errorf("release outcome %q does not apply to hold %s (inbound=%t)", outcome, current.ID, current.Inbound)
		}
		*held -= current.Amount
		return e, nil
	})
	if errors.Is(err, repository.ErrHoldSettled) {
		return nil, &NoActiveHoldError{TransactionID: transactionID}
	}
	return entry, err
}

// HasActiveHold reports whether the transaction still has funds on hold.
func (s *LedgerService) HasActiveHold(ctx context.Context, transactionID string) (bool, error) {
	_, err := s.activeHold(ctx, transactionID)
	var noHold *NoActiveHoldError
	if errors.As(err, &noHold) {
		return false, nil
	}
	return err == nil, err
}

// EverHeld reports whether funds were ever held for the transaction,
// settled or not.
func (s *LedgerService) EverHeld(ctx context.Context, transactionID string) (bool, error) {
	entries, err := s.wallets.TransactionEntries(ctx, transactionID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Kind == models.EntryHold {
			return true, nil
		}
	}
	return false, nil
}

func (s *LedgerService) activeHold(ctx context.Context, transactionID string) (*models.LedgerEntry, error) {
	hold, err := s.wallets.ActiveHold(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NoActiveHoldError{TransactionID: transactionID}
	}
	return hold, err
}

func (s *LedgerService) mutate(ctx context.Context, walletID, transactionID string, opts []MutationOption, apply func(*models.WalletAccount) (*models.LedgerEntry, error)) (*models.LedgerEntry, error) {
	var o mutationOptions
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		w, err := s.wallets.Get(ctx, walletID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWalletNotFound
		}
		if err != nil {
			return nil, err
		}
		expected := w.Version

		entry, err := apply(w)
		if err != nil {
			return nil, err
		}
		entry.ID = uuid.NewString()
		entry.WalletID = w.ID
		entry.TransactionID = transactionID
		entry.BalanceAfter = w.Balance
		entry.PendingAfter = w.PendingBalance
		entry.EscrowAfter = w.EscrowBalance
		entry.CreatedAt = s.now()

		err = s.wallets.Commit(ctx, repository.Mutation{
			Wallet:          *w,
			ExpectedVersion: expected,
			Entry:           *entry,
			Transition:      o.transition,
			Create:          o.create,
		})
		if err == nil {
			metrics.LedgerMutationsTotal.WithLabelValues(string(entry.Kind)).Inc()
			s.audit.LogEntry(*entry)
			return entry, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}

		metrics.LedgerConflictsTotal.Inc()
		s.logger.Debug("ledger version conflict, retrying", "wallet_id", walletID, "attempt", attempt)
		if err := s.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, &ConcurrencyError{WalletID: walletID, Attempts: s.maxRetries}
}

func (s *LedgerService) sleep(ctx context.Context, attempt int) error {
	if s.backoff <= 0 {
		return ctx.Err()
	}
	d := s.backoff*time.Duration(attempt) + rand.N(s.backoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// VerifyBalance recomputes the balance from the wallet's entries and
// returns *LedgerDriftError on disagreement. Wallets that keep changing
// while being checked are skipped.
func (s *LedgerService) VerifyBalance(ctx context.Context, walletID string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		before, err := s.Wallet(ctx, walletID)
		if err != nil {
			return err
		}
		computed, err := s.wallets.EntryTotals(ctx, walletID)
		if err != nil {
			return err
		}
		after, err := s.Wallet(ctx, walletID)
		if err != nil {
			return err
		}
		if before.Version != after.Version {
			continue
		}
		if computed != after.Balance {
			metrics.LedgerDriftTotal.Inc()
			s.audit.LogDrift(walletID, after.Balance, computed)
			return &LedgerDriftError{WalletID: walletID, Stored: after.Balance, Computed: computed}
		}
		return nil
	}
	return &ConcurrencyError{WalletID: walletID, Attempts: s.maxRetries}
}
