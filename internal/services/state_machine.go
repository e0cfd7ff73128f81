package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
)

type TransitionOutcome int

const (
	Applied TransitionOutcome = iota + 1
	NoOp
)

func (o TransitionOutcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NoOp:
		return "noop"
	}
	return "unknown"
}

// StateMachine turns gateway events into status transitions and the ledger
// effects that go with them.
type StateMachine struct {
	transactions repository.TransactionRepo
	ledger       *LedgerService
	escrow       *EscrowManager
	policies     config.EscrowPolicies
	notifier     *Notifier
	logger       *slog.Logger
	now          func() time.Time
}

func NewStateMachine(transactions repository.TransactionRepo, ledger *LedgerService, escrow *EscrowManager, policies config.EscrowPolicies, notifier *Notifier, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		transactions: transactions,
		ledger:       ledger,
		escrow:       escrow,
		policies:     policies,
		notifier:     notifier,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *StateMachine) Apply(ctx context.Context, ev models.ParsedEvent) (TransitionOutcome, error) {
	tx, err := s.transactions.GetByReference(ctx, ev.Reference)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrTransactionNotFound, ev.Reference)
	}
	if err != nil {
		return 0, err
	}
	if isTerminal(tx) {
		return NoOp, nil
	}

	trigger, ok := s.triggerFor(tx.Type, ev.Type)
	if !ok {
		return 0, s.conflict(tx, models.Trigger(ev.Type), "unsupported event type")
	}
	if ev.Amount != 0 && ev.Amount != tx.Amount {
		return 0, s.conflict(tx, trigger, fmt.Sprintf("amount %d does not match %d", ev.Amount, tx.Amount))
	}

	return s.transition(ctx, tx, trigger, ev.GatewayEventID)
}

// Expire abandons a transaction stuck in pending.
func (s *StateMachine) Expire(ctx context.Context, tx *models.Transaction) (TransitionOutcome, error) {
	return s.transition(ctx, tx, models.TriggerPendingTimeout, "")
}

func (s *StateMachine) transition(ctx context.Context, tx *models.Transaction, trigger models.Trigger, gatewayEventID string) (TransitionOutcome, error) {
	to, ok := nextStatus(tx.Type, tx.Status, trigger)
	if !ok {
		if leadsTo(tx.Type, trigger, tx.Status) {
			return NoOp, nil
		}
		return 0, s.conflict(tx, trigger, "")
	}

	err := s.execute(ctx, tx, trigger, to, gatewayEventID)
	if errors.Is(err, repository.ErrStatusConflict) {
		return s.afterConflict(ctx, tx, trigger, to)
	}
	if err != nil {
		return 0, err
	}
	return Applied, nil
}

func (s *StateMachine) execute(ctx context.Context, tx *models.Transaction, trigger models.Trigger, to models.TransactionStatus, gatewayEventID string) error {
	policy := s.policies.Policy(tx.Type)
	now := s.now()
	t := models.Transition{
		TransactionID:  tx.ID,
		From:           tx.Status,
		To:             to,
		Trigger:        trigger,
		GatewayEventID: gatewayEventID,
		CreatedAt:      now,
	}

	var err error
	switch {
	case to == models.StatusEscrowed:
		return s.escrow.ScheduleHold(ctx, tx, tx.Amount, now.Add(policy.ReleaseAfter), trigger, gatewayEventID)

	case to == models.StatusReleased:
		return s.escrow.Release(ctx, tx, trigger, gatewayEventID)

	case to == models.StatusSuccessful && tx.Type.ChargeBacked():
		_, err = s.ledger.Credit(ctx, tx.WalletID, tx.Amount, tx.ID, WithTransition(t))

	case to == models.StatusSuccessful:
		err = s.captureTransfer(ctx, tx, policy, &t)

	case to == models.StatusFailed || to == models.StatusAbandoned:
		t.ClearRelease = true
		_, err = s.ledger.Release(ctx, tx.ID, models.ReleaseToRefund, WithTransition(t))
		err = s.withoutHold(ctx, err, t)

	default:
		err = s.transactions.Transition(ctx, t)
	}
	if err != nil {
		return err
	}

	tx.Status = to
	if t.ClearRelease {
		tx.EscrowReleaseAt = nil
	} else if t.EscrowReleaseAt != nil {
		tx.EscrowReleaseAt = t.EscrowReleaseAt
	}
	s.notifier.Committed(tx, t)
	return nil
}

// captureTransfer books a transfer the gateway paid out. The reservation
// taken at initiation is captured now, or kept until the settlement window
// closes. A transfer with no reservation is charged against the wallet in
// the same write, so a payout is never marked successful unbacked.
func (s *StateMachine) captureTransfer(ctx context.Context, tx *models.Transaction, policy config.ReleasePolicy, t *models.Transition) error {
	held, err := s.ledger.HasActiveHold(ctx, tx.ID)
	if err != nil {
		return err
	}

	if policy.ReleaseAfter > 0 {
		at := t.CreatedAt.Add(policy.ReleaseAfter)
		t.EscrowReleaseAt = &at
		if held {
			return s.transactions.Transition(ctx, *t)
		}
		s.logger.Warn("transfer paid out without a reservation, reserving now", "reference", tx.Reference, "amount", tx.Amount)
		_, err = s.ledger.Hold(ctx, tx.WalletID, tx.Amount, tx.ID, WithTransition(*t))
		return err
	}

	if !held {
		s.logger.Warn("transfer paid out without a reservation, debiting now", "reference", tx.Reference, "amount", tx.Amount)
		_, err = s.ledger.Debit(ctx, tx.WalletID, tx.Amount, tx.ID, WithTransition(*t))
		return err
	}
	_, err = s.ledger.Release(ctx, tx.ID, models.ReleaseToDebit, WithTransition(*t))
	var noHold *NoActiveHoldError
	if errors.As(err, &noHold) {
		// settled by a concurrent transition, which also moved the status
		return repository.ErrStatusConflict
	}
	return err
}

// withoutHold falls back to a plain transition when there is nothing held
// to refund.
func (s *StateMachine) withoutHold(ctx context.Context, err error, t models.Transition) error {
	var noHold *NoActiveHoldError
	if errors.As(err, &noHold) {
		return s.transactions.Transition(ctx, t)
	}
	return err
}

// afterConflict decides what a lost conditional update means once the
// winner's write is visible.
func (s *StateMachine) afterConflict(ctx context.Context, stale *models.Transaction, trigger models.Trigger, to models.TransactionStatus) (TransitionOutcome, error) {
	tx, err := s.transactions.GetByID(ctx, stale.ID)
	if err != nil {
		return 0, err
	}
	if tx.Status == to || isTerminal(tx) {
		return NoOp, nil
	}
	return 0, s.conflict(tx, trigger, "status changed concurrently")
}

// triggerFor maps a gateway event type onto the table's triggers. The
// release confirmation and the escrow decision depend on the type's policy.
func (s *StateMachine) triggerFor(t models.TransactionType, eventType string) (models.Trigger, bool) {
	if s.policies.ConfirmEventFor(t, eventType) {
		return models.TriggerReleaseConfirmed, true
	}
	trigger := models.Trigger(eventType)
	if trigger == models.TriggerChargeSuccess && t.ChargeBacked() && s.policies.Policy(t).Hold {
		trigger = models.TriggerChargeEscrowed
	}
	switch trigger {
	case models.TriggerChargeEscrowed, models.TriggerReleaseConfirmed, models.TriggerEscrowDue,
		models.TriggerPendingTimeout, models.TriggerInsufficientFunds:
		// internal triggers are never accepted verbatim from the gateway
		if models.Trigger(eventType) == trigger {
			return "", false
		}
	}
	return trigger, permits(t, trigger)
}

func (s *StateMachine) conflict(tx *models.Transaction, trigger models.Trigger, reason string) error {
	err := &StateConflictError{
		Reference: tx.Reference,
		Type:      tx.Type,
		From:      tx.Status,
		Trigger:   trigger,
		Reason:    reason,
	}
	s.logger.Warn("invalid transition", "reference", tx.Reference, "type", tx.Type, "from", tx.Status, "trigger", trigger, "reason", reason)
	return err
}
