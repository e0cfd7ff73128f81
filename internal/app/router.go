package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/handlers"
	"github.com/ruralpay/payments-core/internal/metrics"
	mW "github.com/ruralpay/payments-core/internal/middleware"
)

type Handlers struct {
	Webhooks     *handlers.WebhookHandler
	Transactions *handlers.TransactionHandler
	Health       *handlers.HealthHandler
}

func (a *App) Handlers() Handlers {
	return Handlers{
		Webhooks:     handlers.NewWebhookHandler(a.Webhooks, a.Config.Webhook.SignatureHeader, a.Config.Webhook.MaxBodyBytes, a.Logger),
		Transactions: handlers.NewTransactionHandler(a.Transactions, a.Ledger, a.Logger),
		Health:       handlers.NewHealthHandler(a.Tokens, a.Logger),
	}
}

func NewRouter(cfg *config.Config, h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(mW.HTTPMetrics)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.Health.Health)
	r.Get("/health/gateway", h.Health.Gateway)
	r.Handle("/metrics", metrics.Handler())

	// The gateway signs its deliveries, so this route sits outside JWT auth
	// and CORS.
	r.With(mW.RateLimit(cfg.Webhook.RateLimit, cfg.Webhook.RateBurst)).
		Post("/webhooks/gateway", h.Webhooks.Receive)

	auth := mW.NewAuthMiddleware(cfg.JWTSecret)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"https://*", "http://*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           86400,
		}))
		r.Use(auth.Auth)

		r.Post("/transactions", h.Transactions.Create)
		r.Get("/transactions/{reference}", h.Transactions.Get)
		r.Get("/wallets/{walletId}", h.Transactions.Wallet)

		r.With(mW.RequireRole("admin")).
			Post("/admin/webhooks/{eventId}/replay", h.Webhooks.Replay)
	})

	return r
}
