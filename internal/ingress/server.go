package ingress

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the ingress HTTP surface: handshake + signed events under
// the configured prefix, probes and metrics at the root.
func NewRouter(cfg *config.Config, handlers *Handlers, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	webhookPath := fmt.Sprintf("/%s/webhook", cfg.WebhookPrefix)
	router.GET(webhookPath, handlers.HandleVerify)
	router.POST(webhookPath, handlers.HandleEvent)

	router.GET("/healthz", handlers.HandleHealthz)
	router.GET("/readyz", handlers.HandleReadyz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// NewServer builds the http.Server around the router. The timeouts bound the
// upstream's short acknowledgement budget.
func NewServer(cfg *config.Config, router *gin.Engine) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Probes are too chatty for info level
		level := slog.LevelInfo
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/readyz" || c.Request.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}

		logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
