package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ruralpay/payments-core/internal/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruralpay/payments-core/internal/logger"
	"github.com/ruralpay/payments-core/internal/metrics"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubVerifier answers from the map; a nil entry is unknown to the gateway
// and a missing one times out.
type stubVerifier map[string]*GatewayTransaction

func (s stubVerifier) VerifyTransaction(_ context.Context, reference string) (*GatewayTransaction, error) {
	tx, ok := s[reference]
	switch {
	case !ok:
		return nil, errors.New("gateway timeout")
	case tx == nil:
		return nil, fmt.Errorf("verify %s: %w", reference, ErrGatewayNotFound)
	}
	return tx, nil
}

func newTestReconciler(env *testEnv, verifier TransactionVerifier) *Reconciler {
	store := NewIdempotencyStore(memEvents{env.store}, nil, 30*24*time.Hour, 10*time.Minute, logger.Discard())
	cfg := config.ReconciliationConfig{PendingTimeout: 30 * time.Minute, UnverifiedAbandonAfter: 24 * time.Hour, BatchSize: 2}
	return NewReconciler(memTransactions{env.store}, env.ledger, env.machine, env.escrow, store, verifier, cfg, logger.Discard())
}

func TestReconciler_SweepPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.seedWallet("w1", 0, 0)

	old := time.Now().Add(-2 * time.Hour)
	for i, ref := range []string{"TXN-1", "TXN-2", "TXN-3"} {
		createdAt := old.Add(-time.Hour + time.Duration(i)*time.Minute)
		env.store.seedTransaction(models.Transaction{Reference: ref, Type: models.TypeBooking, Status: models.StatusPending, Amount: 100, WalletID: "w1", CreatedAt: createdAt})
	}
	env.store.seedTransaction(models.Transaction{Reference: "TXN-PAID", Type: models.TypeFoodOrder, Status: models.StatusPending, Amount: 100, WalletID: "w1", CreatedAt: old})
	env.store.seedTransaction(models.Transaction{Reference: "TXN-UNKNOWN", Type: models.TypeBooking, Status: models.StatusPending, Amount: 100, WalletID: "w1", CreatedAt: old})
	env.store.seedTransaction(models.Transaction{Reference: "TXN-GONE", Type: models.TypeBooking, Status: models.StatusPending, Amount: 100, WalletID: "w1", CreatedAt: old})
	env.store.seedTransaction(models.Transaction{Reference: "TXN-ANCIENT", Type: models.TypeBooking, Status: models.StatusPending, Amount: 100, WalletID: "w1", CreatedAt: old.Add(-72 * time.Hour)})
	env.store.seedTransaction(models.Transaction{Reference: "TXN-FRESH", Type: models.TypeBooking, Status: models.StatusPending, Amount: 100, WalletID: "w1"})
	env.store.seedTransaction(models.Transaction{Reference: "WD-1", Type: models.TypeWithdrawal, Status: models.StatusPending, Amount: 100, WalletID: "w1", CreatedAt: old})

	verifier := stubVerifier{
		"TXN-1":    {Reference: "TXN-1", Status: "abandoned"},
		"TXN-2":    {Reference: "TXN-2", Status: "failed"},
		"TXN-3":    {Reference: "TXN-3", Status: "pending"},
		"TXN-PAID": {Reference: "TXN-PAID", Status: "success"},
		"TXN-GONE": nil,
	}
	r := newTestReconciler(env, verifier)

	report, err := r.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 8, report.Scanned)
	assert.Zero(t, report.Failed)

	for _, ref := range []string{"TXN-1", "TXN-2", "TXN-3", "TXN-GONE", "TXN-ANCIENT"} {
		assert.Equal(t, models.StatusAbandoned, env.store.transaction(t, ref).Status, ref)
	}
	assert.Equal(t, models.StatusPending, env.store.transaction(t, "TXN-PAID").Status)
	assert.Equal(t, models.StatusPending, env.store.transaction(t, "TXN-UNKNOWN").Status)
	assert.Equal(t, models.StatusPending, env.store.transaction(t, "TXN-FRESH").Status)
	assert.Equal(t, models.StatusPending, env.store.transaction(t, "WD-1").Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StalledTransfers))

	history, err := memTransactions{env.store}.History(ctx, "id-TXN-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TriggerPendingTimeout, history[0].Trigger)

	t.Run("items left pending do not hide later ones", func(t *testing.T) {
		env.store.seedTransaction(models.Transaction{Reference: "TXN-LATE", Type: models.TypeBooking, Status: models.StatusPending, Amount: 100, WalletID: "w1", CreatedAt: old.Add(time.Minute)})
		verifier["TXN-LATE"] = &GatewayTransaction{Reference: "TXN-LATE", Status: "abandoned"}

		report, err := r.SweepPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Processed)
		assert.Equal(t, 3, report.Skipped)
		assert.Equal(t, models.StatusAbandoned, env.store.transaction(t, "TXN-LATE").Status)
	})

	t.Run("cancelled", func(t *testing.T) {
		env.store.seedTransaction(models.Transaction{Reference: "TXN-4", Type: models.TypeBooking, Status: models.StatusPending, Amount: 100, WalletID: "w1", CreatedAt: old})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := r.SweepPending(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, models.StatusPending, env.store.transaction(t, "TXN-4").Status)
	})
}

func TestReconciler_SweepDrift(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for _, id := range []string{"w1", "w2", "w3"} {
		env.store.seedWallet(id, 500, 0)
	}
	env.store.mu.Lock()
	w := env.store.wallets["w2"]
	w.Balance = 700
	env.store.wallets["w2"] = w
	env.store.mu.Unlock()

	r := newTestReconciler(env, nil)
	report, err := r.SweepDrift(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 3, Processed: 2, Failed: 1}, report)

	// drift is reported, not corrected
	assert.Equal(t, int64(700), env.store.wallet(t, "w2").Balance)
}

func TestReconciler_RunOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.seedWallet("w1", 0, 0)
	escrowedBooking(t, env, "TXN-1", "w1", 100)

	r := newTestReconciler(env, nil)
	r.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	report, err := r.RunOnce(ctx, SweepEscrow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, models.StatusReleased, env.store.transaction(t, "TXN-1").Status)

	report, err = r.RunOnce(ctx, SweepIdempotency)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)

	_, err = r.RunOnce(ctx, "bogus")
	assert.ErrorContains(t, err, `unknown sweep "bogus"`)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	r := newTestReconciler(env, nil)
	r.cfg.EscrowInterval = 10 * time.Millisecond
	r.cfg.DriftInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
