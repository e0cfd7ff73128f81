package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/services"
)

type TransactionInitiator interface {
	Initiate(ctx context.Context, req services.InitiateRequest) (*models.Transaction, error)
	Get(ctx context.Context, reference string) (*services.TransactionDetail, error)
}

type WalletReader interface {
	Wallet(ctx context.Context, walletID string) (*models.WalletAccount, error)
	Entries(ctx context.Context, walletID string, limit int) ([]models.LedgerEntry, error)
}

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 500
)

type TransactionHandler struct {
	transactions TransactionInitiator
	wallets      WalletReader
	logger       *slog.Logger
}

func NewTransactionHandler(transactions TransactionInitiator, wallets WalletReader, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{transactions: transactions, wallets: wallets, logger: logger}
}

// WalletView is a wallet with its most recent ledger entries.
type WalletView struct {
	Wallet    *models.WalletAccount `json:"wallet"`
	Available int64                 `json:"available"`
	Entries   []models.LedgerEntry  `json:"entries"`
}

// Create initiates a transaction
// @Summary Initiate transaction
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.InitiateRequest true "Transaction"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} object{error=string,transaction=models.Transaction}
// @Router /transactions [post]
func (h *TransactionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.InitiateRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	tx, err := h.transactions.Initiate(r.Context(), req)
	var insufficient *services.InsufficientFundsError
	switch {
	case err == nil:
		services.SendJSON(w, http.StatusCreated, tx)
	case services.IsValidationError(err):
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
	case errors.Is(err, services.ErrDuplicateReference):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.As(err, &insufficient):
		services.SendJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       err.Error(),
			"transaction": tx,
		})
	default:
		h.logger.Error("initiate transaction failed", "reference", req.Reference, "error", err)
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

// Get returns a transaction with its transition history
// @Summary Get transaction
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Transaction reference"
// @Success 200 {object} services.TransactionDetail
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions/{reference} [get]
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	detail, err := h.transactions.Get(r.Context(), reference)
	if errors.Is(err, services.ErrTransactionNotFound) {
		services.SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		h.logger.Error("get transaction failed", "reference", reference, "error", err)
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	services.SendJSON(w, http.StatusOK, detail)
}

// Wallet returns balances and recent entries
// @Summary Get wallet
// @Tags Wallets
// @Produce json
// @Security BearerAuth
// @Param walletId path string true "Wallet id"
// @Param limit query int false "Number of entries"
// @Success 200 {object} WalletView
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{walletId} [get]
func (h *TransactionHandler) Wallet(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletId")

	limit := defaultEntryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			services.SendErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest, nil)
			return
		}
		limit = min(n, maxEntryLimit)
	}

	wallet, err := h.wallets.Wallet(r.Context(), walletID)
	if errors.Is(err, services.ErrWalletNotFound) {
		services.SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		h.logger.Error("get wallet failed", "wallet_id", walletID, "error", err)
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	entries, err := h.wallets.Entries(r.Context(), walletID, limit)
	if err != nil {
		h.logger.Error("list ledger entries failed", "wallet_id", walletID, "error", err)
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	services.SendJSON(w, http.StatusOK, WalletView{Wallet: wallet, Available: wallet.Available(), Entries: entries})
}
