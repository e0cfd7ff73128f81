package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/metrics"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
	"golang.org/x/sync/errgroup"
)

const (
	SweepPending     = "pending"
	SweepEscrow      = "escrow"
	SweepIdempotency = "idempotency"
	SweepDrift       = "drift"
)

var SweepNames = []string{SweepPending, SweepEscrow, SweepIdempotency, SweepDrift}

type SweepReport struct {
	Scanned   int `json:"scanned"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *SweepReport) process(sweep string) {
	r.Processed++
	metrics.SweepItemsTotal.WithLabelValues(sweep, "processed").Inc()
}

func (r *SweepReport) skip(sweep string) {
	r.Skipped++
	metrics.SweepItemsTotal.WithLabelValues(sweep, "skipped").Inc()
}

func (r *SweepReport) fail(sweep string) {
	r.Failed++
	metrics.SweepItemsTotal.WithLabelValues(sweep, "failed").Inc()
}

// Reconciler runs the periodic sweeps. Every sweep claims its items with a
// conditional write, so overlapping runs never process an item twice.
type Reconciler struct {
	transactions repository.TransactionRepo
	ledger       *LedgerService
	machine      *StateMachine
	escrow       *EscrowManager
	store        *IdempotencyStore
	verifier     TransactionVerifier
	cfg          config.ReconciliationConfig
	logger       *slog.Logger
	now          func() time.Time
}

func NewReconciler(transactions repository.TransactionRepo, ledger *LedgerService, machine *StateMachine, escrow *EscrowManager, store *IdempotencyStore, verifier TransactionVerifier, cfg config.ReconciliationConfig, logger *slog.Logger) *Reconciler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		transactions: transactions,
		ledger:       ledger,
		machine:      machine,
		escrow:       escrow,
		store:        store,
		verifier:     verifier,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// SweepPending abandons charges that stayed pending past the timeout and
// refunds whatever they held. Transfers never time out; stale ones are
// reported as skipped because their reservation stays on the wallet until
// the gateway settles them.
func (r *Reconciler) SweepPending(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := r.now()
	cutoff := now.Add(-r.cfg.PendingTimeout)

	err := r.eachStale(ctx, cutoff, typesPermitting(models.TriggerPendingTimeout), &report, func(tx *models.Transaction) {
		if r.paidAtGateway(ctx, tx, now) {
			report.skip(SweepPending)
			return
		}

		outcome, err := r.machine.Expire(ctx, tx)
		var conflict *StateConflictError
		switch {
		case err == nil && outcome == Applied:
			report.process(SweepPending)
		case err == nil, errors.As(err, &conflict):
			report.skip(SweepPending)
		default:
			report.fail(SweepPending)
			r.logger.Error("abandoning pending transaction failed", "reference", tx.Reference, "error", err)
		}
	})
	if err != nil {
		return report, err
	}

	stalled := 0
	err = r.eachStale(ctx, cutoff, typesRejecting(models.TriggerPendingTimeout), &report, func(tx *models.Transaction) {
		stalled++
		report.skip(SweepPending)
		r.logger.Warn("transfer still pending, funds remain reserved",
			"reference", tx.Reference, "type", tx.Type, "amount", tx.Amount,
			"wallet_id", tx.WalletID, "age", now.Sub(tx.CreatedAt))
	})
	if err != nil {
		return report, err
	}
	metrics.StalledTransfers.Set(float64(stalled))
	return report, nil
}

// eachStale pages through pending transactions of the given types created
// before cutoff. The keyset cursor moves past every listed item, so items
// left pending never hide the ones behind them.
func (r *Reconciler) eachStale(ctx context.Context, cutoff time.Time, types []models.TransactionType, report *SweepReport, fn func(*models.Transaction)) error {
	var after repository.Cursor
	for {
		stale, err := r.transactions.ListStalePending(ctx, cutoff, types, after, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for i := range stale {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Scanned++
			fn(&stale[i])
		}
		if len(stale) < r.cfg.BatchSize {
			return nil
		}
		last := stale[len(stale)-1]
		after = repository.Cursor{At: last.CreatedAt, ID: last.ID}
	}
}

// paidAtGateway keeps a charge whose success webhook is late from being
// abandoned. A gateway with no record of the charge means it was never
// paid. Other lookup errors keep the item pending for a later run until
// it is older than UnverifiedAbandonAfter.
func (r *Reconciler) paidAtGateway(ctx context.Context, tx *models.Transaction, now time.Time) bool {
	if r.verifier == nil || !tx.Type.ChargeBacked() {
		return false
	}
	remote, err := r.verifier.VerifyTransaction(ctx, tx.Reference)
	switch {
	case errors.Is(err, ErrGatewayNotFound):
		return false
	case err != nil:
		age := now.Sub(tx.CreatedAt)
		if r.cfg.UnverifiedAbandonAfter > 0 && age > r.cfg.UnverifiedAbandonAfter {
			r.logger.Warn("gateway verification still failing, abandoning", "reference", tx.Reference, "age", age, "error", err)
			return false
		}
		r.logger.Warn("gateway verification failed, leaving transaction pending", "reference", tx.Reference, "error", err)
		return true
	}
	if remote.Successful() {
		r.logger.Warn("gateway reports success for pending transaction, awaiting webhook", "reference", tx.Reference)
		return true
	}
	return false
}

func (r *Reconciler) SweepEscrow(ctx context.Context) (SweepReport, error) {
	return r.escrow.ReleaseDue(ctx, r.now())
}

// SweepIdempotency fails stale claims and purges old records.
func (r *Reconciler) SweepIdempotency(ctx context.Context) (SweepReport, error) {
	recovered, purged, err := r.store.Cleanup(ctx)
	n := int(recovered + purged)
	metrics.SweepItemsTotal.WithLabelValues(SweepIdempotency, "processed").Add(float64(n))
	if recovered > 0 {
		r.logger.Warn("webhook claims abandoned mid-processing marked failed", "count", recovered)
	}
	return SweepReport{Scanned: n, Processed: n}, err
}

// SweepDrift recomputes every wallet balance from its entries. Drift is
// reported, never corrected.
func (r *Reconciler) SweepDrift(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	after := ""
	for {
		ids, err := r.ledger.WalletIDs(ctx, after, r.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++

			err := r.ledger.VerifyBalance(ctx, id)
			var drift *LedgerDriftError
			var busy *ConcurrencyError
			switch {
			case err == nil:
				report.process(SweepDrift)
			case errors.As(err, &drift):
				report.fail(SweepDrift)
				r.logger.Error("ledger drift detected", "wallet_id", id, "stored", drift.Stored, "computed", drift.Computed)
			case errors.As(err, &busy):
				report.skip(SweepDrift)
			default:
				report.fail(SweepDrift)
				r.logger.Error("balance verification failed", "wallet_id", id, "error", err)
			}
		}
		if len(ids) < r.cfg.BatchSize {
			return report, nil
		}
		after = ids[len(ids)-1]
	}
}

func (r *Reconciler) RunOnce(ctx context.Context, name string) (SweepReport, error) {
	switch name {
	case SweepPending:
		return r.SweepPending(ctx)
	case SweepEscrow:
		return r.SweepEscrow(ctx)
	case SweepIdempotency:
		return r.SweepIdempotency(ctx)
	case SweepDrift:
		return r.SweepDrift(ctx)
	}
	return SweepReport{}, fmt.Errorf("unknown sweep %q", name)
}

// Run drives each sweep on its own ticker until ctx is cancelled. A zero
// interval disables that sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	intervals := map[string]time.Duration{
		SweepPending:     r.cfg.PendingInterval,
		SweepEscrow:      r.cfg.EscrowInterval,
		SweepIdempotency: r.cfg.IdempotencyInterval,
		SweepDrift:       r.cfg.DriftInterval,
	}

	var g errgroup.Group
	for _, name := range SweepNames {
		interval := intervals[name]
		if interval <= 0 {
			continue
		}
		g.Go(func() error {
			r.loop(ctx, name, interval)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) loop(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("sweep scheduled", "sweep", name, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			report, err := r.RunOnce(ctx, name)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("sweep failed", "sweep", name, "error", err)
			}
			if report.Scanned > 0 || err != nil {
				r.logger.Info("sweep finished", "sweep", name,
					"scanned", report.Scanned, "processed", report.Processed,
					"skipped", report.Skipped, "failed", report.Failed,
					"duration", time.Since(start))
			}
		}
	}
}
