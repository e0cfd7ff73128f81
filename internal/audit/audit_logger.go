package audit

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ruralpay/payments-core/internal/models"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	WalletID      string    `json:"wallet_id,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// AuditLogger writes one JSON line per money-moving or state-changing action.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

func (a *AuditLogger) LogTransition(t models.Transition) {
	a.log(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "TRANSITION",
		TransactionID: t.TransactionID,
		Status:        string(t.To),
		Details: map[string]string{
			"from":             string(t.From),
			"trigger":          string(t.Trigger),
			"gateway_event_id": t.GatewayEventID,
		},
	})
}

func (a *AuditLogger) LogEntry(e models.LedgerEntry) {
	a.log(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "LEDGER_" + string(e.Kind),
		TransactionID: e.TransactionID,
		WalletID:      e.WalletID,
		Amount:        e.Amount,
		Status:        "SUCCESS",
		Details: map[string]int64{
			"balance_after": e.BalanceAfter,
			"pending_after": e.PendingAfter,
			"escrow_after":  e.EscrowAfter,
		},
	})
}

func (a *AuditLogger) LogDrift(walletID string, stored, computed int64) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "LEDGER_DRIFT",
		WalletID:  walletID,
		Status:    "ALERT",
		Details: map[string]int64{
			"stored":   stored,
			"computed": computed,
		},
	})
}

func (a *AuditLogger) LogError(transactionID, walletID string, err error) {
	a.log(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		WalletID:      walletID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	if a == nil || a.logger == nil {
		return
	}
	data, _ := json.Marshal(event)
	a.logger.Info("audit", "event", string(data))
}
