package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruralpay/payments-core/internal/services"
)

type TokenRefresher interface {
	ForceRefresh(ctx context.Context) (string, error)
}

type HealthHandler struct {
	tokens TokenRefresher
	logger *slog.Logger
}

func NewHealthHandler(tokens TokenRefresher, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{tokens: tokens, logger: logger}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	services.SendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Gateway proves the gateway credentials still work by fetching a fresh
// token.
func (h *HealthHandler) Gateway(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if _, err := h.tokens.ForceRefresh(ctx); err != nil {
		h.logger.Warn("gateway health check failed", "error", err)
		services.SendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	services.SendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
