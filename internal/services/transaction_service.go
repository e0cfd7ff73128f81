package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
)

type InitiateRequest struct {
	Reference        string                 `json:"reference" validate:"required,max=128"`
	Type             models.TransactionType `json:"type" validate:"required,oneof=booking food_order withdrawal bank_transfer"`
	Amount           int64                  `json:"amount" validate:"required,gt=0"`
	Currency         string                 `json:"currency" validate:"required,len=3"`
	WalletID         string                 `json:"wallet_id" validate:"required,max=128"`
	GatewayReference string                 `json:"gateway_reference,omitempty" validate:"max=128"`
}

type TransactionDetail struct {
	Transaction *models.Transaction `json:"transaction"`
	History     []models.Transition `json:"history"`
}

// TransactionService creates transactions and serves their history.
type TransactionService struct {
	transactions repository.TransactionRepo
	ledger       *LedgerService
	notifier     *Notifier
	validator    *ValidationHelper
	logger       *slog.Logger
	now          func() time.Time
}

func NewTransactionService(transactions repository.TransactionRepo, ledger *LedgerService, notifier *Notifier, logger *slog.Logger) *TransactionService {
	return &TransactionService{
		transactions: transactions,
		ledger:       ledger,
		notifier:     notifier,
		validator:    NewValidationHelper(),
		logger:       logger,
		now:          time.Now,
	}
}

// Initiate records a pending transaction. Outbound transfers reserve their
// funds in the same write that creates the row; a wallet that cannot cover
// them fails the transaction and returns *InsufficientFundsError alongside
// it.
func (s *TransactionService) Initiate(ctx context.Context, req InitiateRequest) (*models.Transaction, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}
	if err := s.ledger.OpenWallet(ctx, req.WalletID, req.Currency); err != nil {
		return nil, err
	}

	now := s.now()
	tx := &models.Transaction{
		ID:               uuid.NewString(),
		Reference:        req.Reference,
		Type:             req.Type,
		Status:           models.StatusPending,
		Amount:           req.Amount,
		Currency:         req.Currency,
		WalletID:         req.WalletID,
		GatewayReference: req.GatewayReference,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var err error
	if tx.Type.ChargeBacked() {
		err = s.transactions.Create(ctx, tx)
	} else {
		_, err = s.ledger.Hold(ctx, tx.WalletID, tx.Amount, tx.ID, WithNewTransaction(tx))
	}
	var insufficient *InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return s.rejectUnfunded(ctx, tx, err)
	case errors.Is(err, repository.ErrDuplicate):
		return nil, ErrDuplicateReference
	case err != nil:
		return nil, err
	}
	s.logger.Info("transaction initiated", "reference", tx.Reference, "type", tx.Type, "amount", tx.Amount)
	return tx, nil
}

// rejectUnfunded records a transfer the wallet could not cover and fails it
// straight away, so the reference is taken and the history explains why.
func (s *TransactionService) rejectUnfunded(ctx context.Context, tx *models.Transaction, cause error) (*models.Transaction, error) {
	if err := s.transactions.Create(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateReference
		}
		return nil, errors.Join(cause, err)
	}
	t := models.Transition{
		TransactionID: tx.ID,
		From:          tx.Status,
		To:            models.StatusFailed,
		Trigger:       models.TriggerInsufficientFunds,
		CreatedAt:     s.now(),
	}
	if err := s.transactions.Transition(ctx, t); err != nil {
		return nil, errors.Join(cause, err)
	}
	tx.Status = t.To
	s.logger.Info("transaction rejected", "reference", tx.Reference, "type", tx.Type, "amount", tx.Amount, "error", cause)
	s.notifier.Committed(tx, t)
	return tx, cause
}

func (s *TransactionService) Get(ctx context.Context, reference string) (*TransactionDetail, error) {
	tx, err := s.transactions.GetByReference(ctx, reference)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	history, err := s.transactions.History(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	return &TransactionDetail{Transaction: tx, History: history}, nil
}
