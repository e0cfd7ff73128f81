package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/logger"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory database honouring the same conditional-write
// contracts as the Postgres repositories. One mutex stands in for a
// database transaction.
type memStore struct {
	mu        sync.Mutex
	wallets   map[string]models.WalletAccount
	entries   []models.LedgerEntry
	txs       map[string]models.Transaction
	history   []models.Transition
	events    map[string]models.WebhookEvent
	claimedAt map[string]time.Time

	commits   int
	commitErr error
}

func newMemStore() *memStore {
	return &memStore{
		wallets:   map[string]models.WalletAccount{},
		txs:       map[string]models.Transaction{},
		events:    map[string]models.WebhookEvent{},
		claimedAt: map[string]time.Time{},
	}
}

type memWallets struct{ *memStore }
type memTransactions struct{ *memStore }
type memEvents struct{ *memStore }

var (
	_ repository.WalletRepo       = memWallets{}
	_ repository.TransactionRepo  = memTransactions{}
	_ repository.WebhookEventRepo = memEvents{}
)

// --- wallets

func (s memWallets) Open(_ context.Context, walletID, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[walletID]; !ok {
		s.wallets[walletID] = models.WalletAccount{ID: walletID, Currency: currency, Version: 1}
	}
	return nil
}

func (s memWallets) Get(_ context.Context, walletID string) (*models.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &w, nil
}

func (s memWallets) ActiveHold(_ context.Context, transactionID string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.TransactionID == transactionID && e.Kind == models.EntryHold && !s.settledLocked(e.ID) {
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) settledLocked(holdID string) bool {
	for _, e := range s.entries {
		if e.SettlesEntryID == holdID {
			return true
		}
	}
	return false
}

func (s memWallets) Commit(_ context.Context, m repository.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	current, ok := s.wallets[m.Wallet.ID]
	if !ok || current.Version != m.ExpectedVersion {
		return repository.ErrVersionConflict
	}
	if m.Entry.SettlesEntryID != "" && s.settledLocked(m.Entry.SettlesEntryID) {
		return repository.ErrHoldSettled
	}
	if m.Create != nil {
		if s.referenceTakenLocked(m.Create.Reference) {
			return repository.ErrDuplicate
		}
		s.txs[m.Create.ID] = *m.Create
	}
	if m.Transition != nil {
		if err := s.applyTransitionLocked(*m.Transition); err != nil {
			return err
		}
	}
	w := m.Wallet
	w.Version = m.ExpectedVersion + 1
	s.wallets[w.ID] = w
	s.entries = append(s.entries, m.Entry)
	s.commits++
	return nil
}

func (s memWallets) EntryTotals(_ context.Context, walletID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.entries {
		if e.WalletID != walletID {
			continue
		}
		switch e.Kind {
		case models.EntryCredit, models.EntryRelease:
			total += e.Amount
		case models.EntryDebit:
			total -= e.Amount
		}
	}
	return total, nil
}

func (s memWallets) Entries(_ context.Context, walletID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].WalletID == walletID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

func (s memWallets) TransactionEntries(_ context.Context, transactionID string) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s memWallets) ListIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.wallets {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// --- transactions

func (s memTransactions) Create(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.referenceTakenLocked(tx.Reference) {
		return repository.ErrDuplicate
	}
	s.txs[tx.ID] = *tx
	return nil
}

func (s *memStore) referenceTakenLocked(reference string) bool {
	for _, existing := range s.txs {
		if existing.Reference == reference {
			return true
		}
	}
	return false
}

func (s memTransactions) GetByID(_ context.Context, id string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &tx, nil
}

func (s memTransactions) GetByReference(_ context.Context, reference string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.Reference == reference {
			return &tx, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s memTransactions) Transition(_ context.Context, t models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyTransitionLocked(t)
}

func (s *memStore) applyTransitionLocked(t models.Transition) error {
	tx, ok := s.txs[t.TransactionID]
	if !ok || tx.Status != t.From {
		return repository.ErrStatusConflict
	}
	tx.Status = t.To
	tx.Version++
	tx.UpdatedAt = t.CreatedAt
	if t.GatewayReference != "" {
		tx.GatewayReference = t.GatewayReference
	}
	switch {
	case t.ClearRelease:
		tx.EscrowReleaseAt = nil
	case t.EscrowReleaseAt != nil:
		at := *t.EscrowReleaseAt
		tx.EscrowReleaseAt = &at
	}
	s.txs[tx.ID] = tx
	s.history = append(s.history, t)
	return nil
}

func (s memTransactions) History(_ context.Context, transactionID string) ([]models.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transition
	for _, t := range s.history {
		if t.TransactionID == transactionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s memTransactions) ListDueReleases(_ context.Context, now time.Time, after repository.Cursor, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if (tx.Status == models.StatusEscrowed || tx.Status == models.StatusSuccessful) &&
			tx.EscrowReleaseAt != nil && !tx.EscrowReleaseAt.After(now) &&
			pastCursor(*tx.EscrowReleaseAt, tx.ID, after) {
			out = append(out, tx)
		}
	}
	return page(out, limit, func(tx models.Transaction) time.Time { return *tx.EscrowReleaseAt }), nil
}

func (s memTransactions) ListStalePending(_ context.Context, before time.Time, types []models.TransactionType, after repository.Cursor, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := map[models.TransactionType]bool{}
	for _, t := range types {
		allowed[t] = true
	}
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.Status == models.StatusPending && tx.CreatedAt.Before(before) && allowed[tx.Type] &&
			pastCursor(tx.CreatedAt, tx.ID, after) {
			out = append(out, tx)
		}
	}
	return page(out, limit, func(tx models.Transaction) time.Time { return tx.CreatedAt }), nil
}

// pastCursor mirrors the row comparison (at, id) > (c.At, c.ID).
func pastCursor(at time.Time, id string, c repository.Cursor) bool {
	if !at.Equal(c.At) {
		return at.After(c.At)
	}
	return id > c.ID
}

func page(txs []models.Transaction, limit int, key func(models.Transaction) time.Time) []models.Transaction {
	sort.Slice(txs, func(i, j int) bool {
		a, b := key(txs[i]), key(txs[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return txs[i].ID < txs[j].ID
	})
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs
}

// --- webhook events

func (s memEvents) Insert(_ context.Context, ev *models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.GatewayEventID]; ok {
		return false, nil
	}
	s.events[ev.GatewayEventID] = *ev
	s.claimedAt[ev.GatewayEventID] = ev.ReceivedAt
	return true, nil
}

func (s memEvents) Get(_ context.Context, id string) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &ev, nil
}

func (s memEvents) SetStatus(_ context.Context, id string, status models.ProcessingStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now()
	ev.ProcessingStatus = status
	ev.LastError = lastError
	ev.ProcessedAt = &now
	s.events[id] = ev
	return nil
}

func (s memEvents) Reopen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.ProcessingStatus != models.EventFailed {
		return false, nil
	}
	ev.ProcessingStatus = models.EventReceived
	ev.Attempts++
	ev.LastError = ""
	ev.ProcessedAt = nil
	s.events[id] = ev
	s.claimedAt[id] = time.Now()
	return true, nil
}

func (s memEvents) MarkStaleFailed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ev := range s.events {
		if ev.ProcessingStatus == models.EventReceived && s.claimedAt[id].Before(before) {
			ev.ProcessingStatus = models.EventFailed
			ev.LastError = "claim expired before processing finished"
			s.events[id] = ev
			n++
		}
	}
	return n, nil
}

func (s memEvents) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ev := range s.events {
		if ev.ReceivedAt.Before(before) && ev.ProcessingStatus != models.EventFailed {
			delete(s.events, id)
			delete(s.claimedAt, id)
			n++
		}
	}
	return n, nil
}

// --- helpers

func (s *memStore) entriesFor(transactionID string, kind models.EntryKind) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.TransactionID == transactionID && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) wallet(t *testing.T, id string) models.WalletAccount {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	require.True(t, ok, "wallet %s", id)
	return w
}

func (s *memStore) transaction(t *testing.T, reference string) models.Transaction {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.Reference == reference {
			return tx
		}
	}
	t.Fatalf("transaction %s not found", reference)
	return models.Transaction{}
}

// seedWallet creates a wallet with a backing credit entry; pending is an
// outbound reservation with no hold entry behind it.
func (s *memStore) seedWallet(id string, balance, pending int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[id] = models.WalletAccount{ID: id, Balance: balance, PendingBalance: pending, Currency: "NGN", Version: 1}
	if balance > 0 {
		s.entries = append(s.entries, models.LedgerEntry{
			ID: "seed-" + id, WalletID: id, TransactionID: "seed", Kind: models.EntryCredit,
			Amount: balance, BalanceAfter: balance,
		})
	}
}

func (s *memStore) seedTransaction(tx models.Transaction) models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == "" {
		tx.ID = "id-" + tx.Reference
	}
	if tx.Currency == "" {
		tx.Currency = "NGN"
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	tx.Version = 1
	s.txs[tx.ID] = tx
	return tx
}

// testEnv wires the services against one memStore.
type testEnv struct {
	store    *memStore
	ledger   *LedgerService
	escrow   *EscrowManager
	machine  *StateMachine
	policies config.EscrowPolicies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	log := logger.Discard()
	policies := config.DefaultEscrowPolicies()

	ledger := NewLedgerService(memWallets{store}, config.LedgerConfig{MaxRetries: 20, RetryBackoff: time.Millisecond}, nil, log)
	escrow := NewEscrowManager(memTransactions{store}, ledger, nil, log, 10)
	machine := NewStateMachine(memTransactions{store}, ledger, escrow, policies, nil, log)
	return &testEnv{store: store, ledger: ledger, escrow: escrow, machine: machine, policies: policies}
}
