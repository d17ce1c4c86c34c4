package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/config"
	"github.com/Guizzs26/fb-discord-relay/internal/db"
	"github.com/Guizzs26/fb-discord-relay/internal/discord"
	"github.com/Guizzs26/fb-discord-relay/internal/meta"
	"github.com/Guizzs26/fb-discord-relay/internal/models"
	"github.com/Guizzs26/fb-discord-relay/internal/processor"
	"github.com/Guizzs26/fb-discord-relay/internal/queue"
	"github.com/Guizzs26/fb-discord-relay/pkg/infra"
	"github.com/Guizzs26/fb-discord-relay/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const postRetention = 30 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := infra.SetupLogger(cfg, "worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Worker initializing...", "pid", os.Getpid())

	repo, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	metaClient := meta.NewClient(cfg.MetaGraphHost, cfg.MetaGraphVersion, cfg.MetaPageID, cfg.MetaPageAccessToken, cfg.MetaAppSecret, logger)

	// Fail loudly on an expired token instead of silently entering a retry
	// loop on every job.
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = metaClient.VerifyPageAccess(probeCtx)
	cancel()
	if err != nil {
		logger.Error("CRITICAL: page access verification failed, refusing to start", "error", err)
		os.Exit(1)
	}

	sender := discord.NewClient(discord.ClientConfig{
		Router:      discord.NewRouter(cfg.ChannelRoutes, cfg.ChannelPriority, cfg.DiscordWebhookURL),
		Wait:        cfg.DiscordWebhookWait,
		Disclaimer:  cfg.DiscordDisclaimer,
		MentionRole: cfg.DiscordMentionRole,
		TriggerTag:  cfg.TriggerTag,
		RatePerMin:  cfg.DiscordRateLimit,
	}, logger)

	pipeline := processor.NewPipeline(repo, metaClient, sender, processor.Config{
		AlertsEnabled: cfg.AlertsEnabled,
		TriggerTag:    cfg.TriggerTag,
		MaxPostAge:    time.Duration(cfg.MaxPostAgeMinutes) * time.Minute,
	}, logger)

	jobs := queue.New(repo.Pool(), cfg.QueueMaxRetries, logger)
	consumer := queue.NewConsumer(jobs, pipeline, models.QueueProcessPost, cfg.WorkerBatchSize, cfg.PollInterval, logger)

	go startObservabilityServer("9091", repo, logger)

	janitorDone := make(chan struct{})
	go runMaintenance(ctx, repo, jobs, cfg, janitorDone)

	metrics.HealthStatus.Set(1)
	logger.Info("✅ Worker online. Consuming jobs...", "queue", models.QueueProcessPost)

	if err := consumer.Listen(ctx); err != nil {
		logger.Error("Consumer loop terminated with error", "error", err)
	}

	<-janitorDone
	logger.Info("✅ Shutdown complete")
}

func runMaintenance(ctx context.Context, repo *db.PostgresRepository, jobs *queue.Queue, cfg *config.Config, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("🧹 Janitor: Starting structural health checks")

			rescued, err := jobs.ResetStaleJobs(ctx, models.QueueProcessPost, cfg.QueueStaleAfter)
			if err != nil {
				slog.Error("Janitor: Failed to reset stale jobs", "error", err)
			} else if rescued > 0 {
				slog.Warn("Janitor: Rescued stuck jobs", "count", rescued)
			}

			if _, err := jobs.ArchiveOldJobs(ctx, cfg.QueueArchiveDays); err != nil {
				slog.Error("Janitor: Job archive failure", "error", err)
			}

			pruned, err := repo.PruneTerminalPosts(ctx, postRetention)
			if err != nil {
				slog.Error("Janitor: Post pruning failure", "error", err)
			} else if pruned > 0 {
				slog.Info("Janitor: Pruned settled posts", "count", pruned)
			}

			if backlog, err := jobs.Backlog(ctx, models.QueueProcessPost); err == nil {
				metrics.QueueBacklog.Set(float64(backlog))
			}

		case <-ctx.Done():
			slog.Info("🛑 Janitor: Stopping maintenance goroutine")
			return
		}
	}
}

func startObservabilityServer(port string, repo *db.PostgresRepository, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := repo.Ping(r.Context()); err != nil {
			metrics.HealthStatus.Set(0)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("WORKER UNHEALTHY"))
			return
		}
		metrics.HealthStatus.Set(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("WORKER ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
