package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/payments-core/internal/audit"
	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/database"
	"github.com/ruralpay/payments-core/internal/repository/postgres"
	"github.com/ruralpay/payments-core/internal/services"
	"github.com/ruralpay/payments-core/internal/worker"
)

// App holds the wired services shared by the server and the CLI.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB    *sql.DB
	Redis *redis.Client
	Pool  *worker.Pool

	Tokens       *services.TokenCache
	Gateway      *services.GatewayClient
	Ledger       *services.LedgerService
	Escrow       *services.EscrowManager
	Machine      *services.StateMachine
	Store        *services.IdempotencyStore
	Webhooks     *services.WebhookService
	Transactions *services.TransactionService
	Reconciler   *services.Reconciler

	closers []func() error
}

// New connects to Postgres (running migrations) and Redis, then wires every
// service. Redis is optional.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := database.Open(ctx, database.GetConfig(), logger)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, DB: db}
	a.closers = append(a.closers, db.Close)

	a.Redis = database.InitRedis(ctx, logger)
	if a.Redis != nil {
		a.closers = append(a.closers, a.Redis.Close)
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Config
	log := a.Logger

	publisher, closePublisher, err := NewPublisher(cfg.Events, a.Redis, log)
	if err != nil {
		return err
	}
	if closePublisher != nil {
		a.closers = append(a.closers, closePublisher)
	}

	a.Pool = worker.NewPool(cfg.Events.Workers, cfg.Events.QueueSize)
	auditLogger := audit.NewAuditLogger(log.With("component", "audit"))
	notifier := services.NewNotifier(a.Pool, publisher, auditLogger, log, cfg.Events.PublishTimeout)

	wallets := postgres.NewWalletRepo(a.DB)
	transactions := postgres.NewTransactionRepo(a.DB)
	events := postgres.NewWebhookEventRepo(a.DB)

	a.Tokens = services.NewTokenCache(cfg.OAuth, log)
	a.Gateway = services.NewGatewayClient(cfg.Gateway, a.Tokens, log)
	a.Ledger = services.NewLedgerService(wallets, cfg.Ledger, auditLogger, log)
	a.Escrow = services.NewEscrowManager(transactions, a.Ledger, notifier, log, cfg.Reconciliation.BatchSize)
	a.Machine = services.NewStateMachine(transactions, a.Ledger, a.Escrow, cfg.Escrow, notifier, log)
	a.Store = services.NewIdempotencyStore(events, a.Redis, cfg.Reconciliation.IdempotencyRetention, cfg.Reconciliation.ClaimTimeout, log)
	a.Webhooks = services.NewWebhookService(services.NewIngestor(cfg.Webhook), a.Store, a.Machine, log)
	a.Transactions = services.NewTransactionService(transactions, a.Ledger, notifier, log)

	var verifier services.TransactionVerifier
	if cfg.Gateway.BaseURL != "" {
		verifier = a.Gateway
	}
	a.Reconciler = services.NewReconciler(transactions, a.Ledger, a.Machine, a.Escrow, a.Store, verifier, cfg.Reconciliation, log)
	return nil
}

// Close drains the event pool and releases connections in reverse order.
func (a *App) Close() error {
	if a.Pool != nil {
		a.Pool.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewPublisher picks the domain event transport for cfg.Driver. Completed
// bank transfers are also queued for settlement whenever Redis is up.
func NewPublisher(cfg config.EventsConfig, rdb *redis.Client, logger *slog.Logger) (services.Publisher, func() error, error) {
	var (
		primary services.Publisher
		closer  func() error
	)
	switch cfg.Driver {
	case "kafka":
		kafka, err := services.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		primary, closer = kafka, kafka.Close
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("events.driver is redis but redis is unavailable")
		}
		primary = services.NewRedisPublisher(rdb, cfg.RedisList)
	case "log", "":
		primary = services.NewLogPublisher(logger)
	default:
		return nil, nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}

	multi := services.MultiPublisher{primary}
	if rdb != nil && cfg.SettlementQueue != "" {
		multi = append(multi, services.NewSettlementPublisher(rdb, cfg.SettlementQueue))
	} else {
		logger.Warn("settlement queue disabled, bank transfers will not be queued for settlement")
	}
	return multi, closer, nil
}
