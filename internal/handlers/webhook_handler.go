package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/payments-core/internal/services"
)

// WebhookProcessor is implemented by *services.WebhookService.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error)
	Replay(ctx context.Context, gatewayEventID string) (services.WebhookResult, error)
}

type WebhookHandler struct {
	service         WebhookProcessor
	signatureHeader string
	maxBytes        int64
	logger          *slog.Logger
}

func NewWebhookHandler(service WebhookProcessor, signatureHeader string, maxBytes int64, logger *slog.Logger) *WebhookHandler {
	if signatureHeader == "" {
		signatureHeader = "X-Gateway-Signature"
	}
	if maxBytes <= 0 {
		maxBytes = 1_048_576
	}
	return &WebhookHandler{service: service, signatureHeader: signatureHeader, maxBytes: maxBytes, logger: logger}
}

// Receive handles a gateway notification
// @Summary Gateway webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} services.WebhookResult
// @Failure 400 {object} services.WebhookResult
// @Failure 500 {object} services.WebhookResult
// @Router /webhooks/gateway [post]
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	// One byte over the limit so oversized payloads reach the ingestor and
	// are rejected as malformed.
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxBytes+1))
	if err != nil {
		services.SendJSON(w, http.StatusBadRequest, services.WebhookResult{Reason: string(services.MalformedPayload)})
		return
	}

	result, err := h.service.Process(r.Context(), payload, r.Header.Get(h.signatureHeader))
	services.SendJSON(w, webhookStatus(err), result)
}

// Replay re-runs a webhook that previously failed
// @Summary Replay failed webhook
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param eventId path string true "Gateway event id"
// @Success 200 {object} services.WebhookResult
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/webhooks/{eventId}/replay [post]
func (h *WebhookHandler) Replay(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")

	result, err := h.service.Replay(r.Context(), eventID)
	switch {
	case errors.Is(err, services.ErrEventNotFound):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
		return
	case errors.Is(err, services.ErrNotReplayable):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		return
	}
	if err != nil {
		h.logger.Error("webhook replay failed", "event_id", eventID, "error", err)
	}
	services.SendJSON(w, webhookStatus(err), result)
}

func webhookStatus(err error) int {
	var verr *services.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
