package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/config"
	"github.com/Guizzs26/fb-discord-relay/internal/db"
	"github.com/Guizzs26/fb-discord-relay/internal/ingress"
	"github.com/Guizzs26/fb-discord-relay/internal/queue"
	"github.com/Guizzs26/fb-discord-relay/pkg/infra"
	"github.com/Guizzs26/fb-discord-relay/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := infra.SetupLogger(cfg, "ingress")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	jobs := queue.New(repo.Pool(), cfg.QueueMaxRetries, logger)
	handlers := ingress.NewHandlers(cfg, db.NewIngestor(repo, jobs), repo, jobs, logger)
	server := ingress.NewServer(cfg, ingress.NewRouter(cfg, handlers, logger))

	metrics.HealthStatus.Set(1)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("🚀 Ingress server started", "port", cfg.Port, "webhook_path", "/"+cfg.WebhookPrefix+"/webhook", "pid", os.Getpid())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Error("CRITICAL: HTTP server failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Info("👋 Shutting down ingress...")

	// Stop accepting new requests, let in-flight deliveries finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown was not clean", "error", err)
	}

	logger.Info("✅ Shutdown complete")
}
