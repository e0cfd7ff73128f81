package models

import (
	"time"
)

type TransactionType string

const (
	TypeBooking      TransactionType = "booking"
	TypeFoodOrder    TransactionType = "food_order"
	TypeWithdrawal   TransactionType = "withdrawal"
	TypeBankTransfer TransactionType = "bank_transfer"
)

// TransactionTypes lists every supported type.
var TransactionTypes = []TransactionType{TypeBooking, TypeFoodOrder, TypeWithdrawal, TypeBankTransfer}

func (t TransactionType) Valid() bool {
	switch t {
	case TypeBooking, TypeFoodOrder, TypeWithdrawal, TypeBankTransfer:
		return true
	}
	return false
}

// ChargeBacked reports whether funds arrive through a gateway charge.
// The remaining types move funds out through a gateway transfer.
func (t TransactionType) ChargeBacked() bool {
	return t == TypeBooking || t == TypeFoodOrder
}

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusEscrowed   TransactionStatus = "escrowed"
	StatusSuccessful TransactionStatus = "successful"
	StatusFailed     TransactionStatus = "failed"
	StatusAbandoned  TransactionStatus = "abandoned"
	StatusReleased   TransactionStatus = "released"
)

var TransactionStatuses = []TransactionStatus{
	StatusPending, StatusEscrowed, StatusSuccessful, StatusFailed, StatusAbandoned, StatusReleased,
}

func (s TransactionStatus) Valid() bool {
	for _, known := range TransactionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Transaction represents a payment tracked from initiation to settlement
type Transaction struct {
	ID               string            `json:"id" db:"id"`
	Reference        string            `json:"reference" db:"reference"`
	Type             TransactionType   `json:"type" db:"type"`
	Status           TransactionStatus `json:"status" db:"status"`
	Amount           int64             `json:"amount" db:"amount"` // minor units
	Currency         string            `json:"currency" db:"currency"`
	WalletID         string            `json:"wallet_id" db:"wallet_id"`
	GatewayReference string            `json:"gateway_reference,omitempty" db:"gateway_reference"`
	EscrowReleaseAt  *time.Time        `json:"escrow_release_at,omitempty" db:"escrow_release_at"`
	Version          int               `json:"version" db:"version"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// Trigger names the cause of a status change. Gateway-originated triggers
// reuse the gateway event type.
type Trigger string

const (
	TriggerChargeSuccess     Trigger = "charge.success"
	TriggerChargeEscrowed    Trigger = "charge.escrowed"
	TriggerChargeFailed      Trigger = "charge.failed"
	TriggerChargeAbandoned   Trigger = "charge.abandoned"
	TriggerChargeRefunded    Trigger = "charge.refunded"
	TriggerTransferSuccess   Trigger = "transfer.success"
	TriggerTransferFailed    Trigger = "transfer.failed"
	TriggerTransferReversed  Trigger = "transfer.reversed"
	TriggerReleaseConfirmed  Trigger = "escrow.release_confirmed"
	TriggerEscrowDue         Trigger = "escrow.due"
	TriggerPendingTimeout    Trigger = "reconciliation.timeout"
	TriggerInsufficientFunds Trigger = "ledger.insufficient_funds"
)

// Transition is a single recorded status change. It doubles as the
// conditional write request: the store applies it only while the
// transaction is still in From.
type Transition struct {
	TransactionID    string            `json:"transaction_id" db:"transaction_id"`
	From             TransactionStatus `json:"from_status" db:"from_status"`
	To               TransactionStatus `json:"to_status" db:"to_status"`
	Trigger          Trigger           `json:"trigger" db:"trigger"`
	GatewayEventID   string            `json:"gateway_event_id,omitempty" db:"gateway_event_id"`
	GatewayReference string            `json:"-" db:"-"`
	EscrowReleaseAt  *time.Time        `json:"-" db:"-"`
	ClearRelease     bool              `json:"-" db:"-"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}
