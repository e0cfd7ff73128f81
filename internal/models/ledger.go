package models

import (
	"time"
)

type EntryKind string

const (
	EntryCredit  EntryKind = "credit"
	EntryDebit   EntryKind = "debit"
	EntryHold    EntryKind = "hold"
	EntryRelease EntryKind = "release"
	EntryRefund  EntryKind = "refund"
)

// ReleaseOutcome decides where held funds go when a hold settles.
type ReleaseOutcome string

const (
	ReleaseToCredit ReleaseOutcome = "toCredit" // held inbound funds become spendable
	ReleaseToRefund ReleaseOutcome = "toRefund" // hold is cancelled, balance untouched
	ReleaseToDebit  ReleaseOutcome = "toDebit"  // outbound reservation is captured
)

type LedgerEntry struct {
	ID             string    `json:"id" db:"id"`
	WalletID       string    `json:"wallet_id" db:"wallet_id"`
	TransactionID  string    `json:"transaction_id" db:"transaction_id"`
	Kind           EntryKind `json:"kind" db:"kind"`
	Amount         int64     `json:"amount" db:"amount"` // in minor units, always positive
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"`
	PendingAfter   int64     `json:"pending_after" db:"pending_after"`
	EscrowAfter    int64     `json:"escrow_after" db:"escrow_after"`
	Inbound        bool      `json:"inbound,omitempty" db:"inbound"` // hold escrows charge proceeds
	SettlesEntryID string    `json:"settles_entry_id,omitempty" db:"settles_entry_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type WalletAccount struct {
	ID             string    `json:"wallet_id" db:"id"`
	Balance        int64     `json:"balance" db:"balance"`
	PendingBalance int64     `json:"pending_balance" db:"pending_balance"` // outbound reservations
	EscrowBalance  int64     `json:"escrow_balance" db:"escrow_balance"`   // inbound funds not yet credited
	Currency       string    `json:"currency" db:"currency"`
	Version        int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Available is what a debit or a new reservation may draw on. Escrowed
// inbound funds are outside the balance and do not reduce it.
func (w WalletAccount) Available() int64 {
	return w.Balance - w.PendingBalance
}
