package models

import (
	"time"
)

type ProcessingStatus string

const (
	EventReceived  ProcessingStatus = "received"
	EventProcessed ProcessingStatus = "processed"
	EventDuplicate ProcessingStatus = "duplicate"
	EventFailed    ProcessingStatus = "failed"
)

// WebhookEvent is the dedup record for one gateway notification.
type WebhookEvent struct {
	GatewayEventID   string           `json:"gateway_event_id" db:"gateway_event_id"`
	Type             string           `json:"type" db:"type"`
	PayloadHash      string           `json:"payload_hash" db:"payload_hash"`
	Payload          []byte           `json:"-" db:"payload"`
	ProcessingStatus ProcessingStatus `json:"processing_status" db:"processing_status"`
	Attempts         int              `json:"attempts" db:"attempts"`
	LastError        string           `json:"last_error,omitempty" db:"last_error"`
	ReceivedAt       time.Time        `json:"received_at" db:"received_at"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
}

// ParsedEvent is a verified and decoded gateway notification.
type ParsedEvent struct {
	GatewayEventID string `json:"event_id" validate:"required,max=128"`
	Type           string `json:"type" validate:"required,max=64"`
	Reference      string `json:"reference" validate:"required,max=128"`
	Amount         int64  `json:"amount" validate:"gte=0"`
	Status         string `json:"status" validate:"max=32"`

	PayloadHash string `json:"-"`
	Raw         []byte `json:"-"`
}
