package services

import (
	"errors"
	"fmt"

	"github.com/ruralpay/payments-core/internal/models"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrEventNotFound       = errors.New("webhook event not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrDuplicateReference  = errors.New("transaction reference already exists")
	ErrNotReplayable       = errors.New("webhook event is not in failed state")
	ErrGatewayNotFound     = errors.New("gateway has no record of the transaction")
)

type ValidationReason string

const (
	InvalidSignature ValidationReason = "invalid_signature"
	MalformedPayload ValidationReason = "malformed_payload"
)

// ValidationError rejects a webhook before anything is persisted.
type ValidationError struct {
	Reason ValidationReason
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook validation failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("webhook validation failed (%s)", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StateConflictError is an invalid transition. Retrying cannot fix it.
type StateConflictError struct {
	Reference string
	Type      models.TransactionType
	From      models.TransactionStatus
	Trigger   models.Trigger
	Reason    string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("transaction %s (%s): no transition from %s on %s", e.Reference, e.Type, e.From, e.Trigger)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

type InsufficientFundsError struct {
	WalletID  string
	Requested int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: requested %d, available %d", e.WalletID, e.Requested, e.Available)
}

type NoActiveHoldError struct {
	TransactionID string
}

func (e *NoActiveHoldError) Error() string {
	return fmt.Sprintf("no active hold for transaction %s", e.TransactionID)
}

// ConcurrencyError is returned once the optimistic retry budget is spent.
type ConcurrencyError struct {
	WalletID string
	Attempts int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("wallet %s: gave up after %d conflicting attempts", e.WalletID, e.Attempts)
}

// LedgerDriftError is an alert, never a reason to correct balances.
type LedgerDriftError struct {
	WalletID string
	Stored   int64
	Computed int64
}

func (e *LedgerDriftError) Error() string {
	return fmt.Sprintf("ledger drift in wallet %s: stored balance %d, entries sum to %d", e.WalletID, e.Stored, e.Computed)
}

type AuthReason string

const (
	RefreshFailed AuthReason = "refresh_failed"
	NotConfigured AuthReason = "not_configured"
)

type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway auth (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("gateway auth (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }
