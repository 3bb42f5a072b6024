// Server runs the registration and verification HTTP API. Verification of both channels provisions
// the account synchronously in this process.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"membership-platform/backend/internal/app"
	"membership-platform/backend/internal/config"
	"membership-platform/backend/internal/http/handler"
	"membership-platform/backend/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, "server")
	if err != nil {
		logger.Fatal("server: wiring failed", zap.Error(err))
	}

	accounts := handler.NewAccountHandler(a.Registrar, a.Verifier, a.Engine, a.Store, cfg.AdminToken, logger)
	routes := handler.RouterConfig{Accounts: accounts, Ready: a.Ready, Logger: logger}
	if !cfg.IsProduction() {
		routes.Outbox = a.Outbox
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewRouter(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server: listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("server: shutting down")
	case err := <-errCh:
		logger.Error("server: serve failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server: http shutdown", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("server: close", zap.Error(err))
	}
	logger.Info("server: stopped")
}
