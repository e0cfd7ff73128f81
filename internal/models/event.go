package models

import "time"

const (
	EventTransactionSuccessful = "transaction.successful"
	EventTransactionFailed     = "transaction.failed"
	EventTransactionAbandoned  = "transaction.abandoned"
	EventTransactionEscrowed   = "transaction.escrowed"
	EventTransactionReleased   = "transaction.released"
)

// DomainEvent is emitted after a transition commits. Delivery is best effort.
type DomainEvent struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	TransactionID   string            `json:"transaction_id"`
	Reference       string            `json:"reference"`
	TransactionType TransactionType   `json:"transaction_type"`
	Status          TransactionStatus `json:"status"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	WalletID        string            `json:"wallet_id"`
	GatewayEventID  string            `json:"gateway_event_id,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

// EventNameFor maps a destination status to the domain event it announces.
func EventNameFor(status TransactionStatus) (string, bool) {
	switch status {
	case StatusSuccessful:
		return EventTransactionSuccessful, true
	case StatusFailed:
		return EventTransactionFailed, true
	case StatusAbandoned:
		return EventTransactionAbandoned, true
	case StatusEscrowed:
		return EventTransactionEscrowed, true
	case StatusReleased:
		return EventTransactionReleased, true
	}
	return "", false
}
