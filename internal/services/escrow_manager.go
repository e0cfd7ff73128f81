package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
)

// EscrowManager holds funds against a transaction until its release
// condition is met.
type EscrowManager struct {
	transactions repository.TransactionRepo
	ledger       *LedgerService
	notifier     *Notifier
	logger       *slog.Logger
	batchSize    int
	now          func() time.Time
}

func NewEscrowManager(transactions repository.TransactionRepo, ledger *LedgerService, notifier *Notifier, logger *slog.Logger, batchSize int) *EscrowManager {
	if batchSize < 1 {
		batchSize = 100
	}
	return &EscrowManager{
		transactions: transactions,
		ledger:       ledger,
		notifier:     notifier,
		logger:       logger,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

// ScheduleHold escrows amount for tx and moves it to escrowed with the
// release deadline, in one write.
func (m *EscrowManager) ScheduleHold(ctx context.Context, tx *models.Transaction, amount int64, releaseAt time.Time, trigger models.Trigger, gatewayEventID string) error {
	t := models.Transition{
		TransactionID:   tx.ID,
		From:            tx.Status,
		To:              models.StatusEscrowed,
		Trigger:         trigger,
		GatewayEventID:  gatewayEventID,
		EscrowReleaseAt: &releaseAt,
		CreatedAt:       m.now(),
	}
	if _, err := m.ledger.HoldInbound(ctx, tx.WalletID, amount, tx.ID, WithTransition(t)); err != nil {
		return err
	}
	tx.Status = t.To
	tx.EscrowReleaseAt = &releaseAt
	m.notifier.Committed(tx, t)
	return nil
}

// Release settles the hold of tx and moves it to released. Held charge
// funds are credited; a transfer reservation is captured.
func (m *EscrowManager) Release(ctx context.Context, tx *models.Transaction, trigger models.Trigger, gatewayEventID string) error {
	t := models.Transition{
		TransactionID:  tx.ID,
		From:           tx.Status,
		To:             models.StatusReleased,
		Trigger:        trigger,
		GatewayEventID: gatewayEventID,
		CreatedAt:      m.now(),
	}
	outcome := models.ReleaseToCredit
	if !tx.Type.ChargeBacked() {
		outcome = models.ReleaseToDebit
	}

	_, err := m.ledger.Release(ctx, tx.ID, outcome, WithTransition(t))
	var noHold *NoActiveHoldError
	if errors.As(err, &noHold) {
		err = m.settleUnheld(ctx, tx, t)
	}
	if err != nil {
		return err
	}
	tx.Status = t.To
	m.notifier.Committed(tx, t)
	return nil
}

// settleUnheld finishes a release that found no active hold. A hold
// settled by a concurrent writer means its transition already moved the
// status, which surfaces as repository.ErrStatusConflict. A settled hold
// whose status lags only needs the transition. A hold that never existed
// is booked directly so the release still moves the money once.
func (m *EscrowManager) settleUnheld(ctx context.Context, tx *models.Transaction, t models.Transition) error {
	current, err := m.transactions.GetByID(ctx, tx.ID)
	if err != nil {
		return err
	}
	if current.Status != t.From {
		return repository.ErrStatusConflict
	}
	held, err := m.ledger.EverHeld(ctx, tx.ID)
	if err != nil {
		return err
	}
	if held {
		return m.transactions.Transition(ctx, t)
	}

	m.logger.Warn("releasing without a hold, booking directly", "reference", tx.Reference, "type", tx.Type, "amount", tx.Amount)
	if tx.Type.ChargeBacked() {
		_, err = m.ledger.Credit(ctx, tx.WalletID, tx.Amount, tx.ID, WithTransition(t))
	} else {
		_, err = m.ledger.Debit(ctx, tx.WalletID, tx.Amount, tx.ID, WithTransition(t))
	}
	return err
}

// ReleaseDue releases every hold whose deadline has passed. Pages advance
// by keyset, so an item that keeps failing stays due for the next run
// without hiding the ones behind it.
func (m *EscrowManager) ReleaseDue(ctx context.Context, now time.Time) (SweepReport, error) {
	var (
		report SweepReport
		after  repository.Cursor
	)
	for {
		due, err := m.transactions.ListDueReleases(ctx, now, after, m.batchSize)
		if err != nil {
			return report, err
		}

		for i := range due {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			tx := &due[i]
			report.Scanned++

			if _, ok := nextStatus(tx.Type, tx.Status, models.TriggerEscrowDue); !ok {
				report.skip(SweepEscrow)
				continue
			}
			err := m.Release(ctx, tx, models.TriggerEscrowDue, "")
			switch {
			case err == nil:
				report.process(SweepEscrow)
			case errors.Is(err, repository.ErrStatusConflict):
				report.skip(SweepEscrow)
			default:
				report.fail(SweepEscrow)
				m.logger.Error("escrow release failed", "reference", tx.Reference, "error", err)
			}
		}

		if len(due) < m.batchSize {
			return report, nil
		}
		last := due[len(due)-1]
		after = repository.Cursor{At: *last.EscrowReleaseAt, ID: last.ID}
	}
}
