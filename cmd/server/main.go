package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruralpay/payments-core/internal/app"
	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/logger"
	"github.com/ruralpay/payments-core/internal/metrics"
)

// @title Payments Core API
// @version 1.0
// @description Webhook-driven wallet ledger and payment state machine
// @BasePath /api/v1
// @schemes http https

func main() {
	cfg, err := config.Load(".env")
	log := logger.New(os.Getenv("APP_ENV"))
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log = logger.New(cfg.Env)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		if err := a.Reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconciler stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.NewRouter(cfg, a.Handlers()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	<-reconcileDone

	log.Info("server stopped")
}
