package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/config"
	"github.com/Guizzs26/fb-discord-relay/internal/meta"
	"github.com/Guizzs26/fb-discord-relay/internal/models"
	"github.com/Guizzs26/fb-discord-relay/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PostIngestor persists a new post and its processing job in one
// transaction. Reports whether the call created the row.
type PostIngestor interface {
	IngestPost(ctx context.Context, fbPostID string, details map[string]any, payload models.ProcessPostPayload) (bool, error)
}

// StorePinger is the health-check slice of the repository.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// BacklogReader exposes queue depth for the readiness check.
type BacklogReader interface {
	Backlog(ctx context.Context, queueName string) (int, error)
}

type Handlers struct {
	cfg      *config.Config
	ingestor PostIngestor
	store    StorePinger
	jobs     BacklogReader
	logger   *slog.Logger
}

func NewHandlers(cfg *config.Config, ingestor PostIngestor, store StorePinger, jobs BacklogReader, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		ingestor: ingestor,
		store:    store,
		jobs:     jobs,
		logger:   logger,
	}
}

// HandleVerify answers the subscription handshake: echo the challenge iff the
// mode is "subscribe" and the shared token matches. Nothing is persisted.
func (h *Handlers) HandleVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token != h.cfg.MetaVerifyToken {
		h.logger.Warn("Webhook verification rejected", "mode", mode)
		c.String(http.StatusForbidden, "Forbidden")
		return
	}
	if challenge == "" {
		c.String(http.StatusBadRequest, "Missing challenge")
		return
	}

	h.logger.Info("Webhook verification handshake accepted")
	c.String(http.StatusOK, challenge)
}

// HandleEvent authenticates a signed delivery and durably enqueues exactly
// one processing job per new post identifier. Per-entry failures are absorbed:
// the upstream retries aggressively on anything but a 200, and a retry storm
// helps nobody.
func (h *Handlers) HandleEvent(c *gin.Context) {
	// The signature covers the exact raw bytes; grab them before any parse
	raw, err := c.GetRawData()
	if err != nil {
		h.logger.Error("Failed to read request body", "error", err)
		c.String(http.StatusBadRequest, "Bad request")
		return
	}

	if err := meta.VerifySignature(h.cfg.MetaAppSecret, raw, c.GetHeader(meta.SignatureHeader)); err != nil {
		metrics.WebhooksReceived.WithLabelValues("invalid_signature").Inc()
		h.logger.Warn("Webhook signature rejected", "error", err)
		c.String(http.StatusForbidden, "Invalid signature")
		return
	}

	correlationID := uuid.NewString()
	l := h.logger.With("correlation_id", correlationID)

	var envelope webhookEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// Authenticated but malformed: acknowledge and move on
		metrics.WebhooksReceived.WithLabelValues("ignored_shape").Inc()
		l.Warn("Failed to parse webhook envelope", "error", err)
		c.String(http.StatusOK, "OK")
		return
	}

	if envelope.Object != "page" {
		metrics.WebhooksReceived.WithLabelValues("ignored_shape").Inc()
		l.Info("Ignoring webhook for unexpected object", "object", envelope.Object)
		c.String(http.StatusOK, "OK")
		return
	}

	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()

	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			if err := h.processChange(c.Request.Context(), l, correlationID, change); err != nil {
				l.Error("Failed to process webhook change", "post_id", change.Value.PostID, "error", err)
				// Keep going: one poisoned entry must not starve its siblings
			}
		}
	}

	c.String(http.StatusOK, "OK")
}

func (h *Handlers) processChange(ctx context.Context, l *slog.Logger, correlationID string, change webhookChange) error {
	value := change.Value
	if change.Field != "feed" || value.Verb != "add" || value.PostID == "" {
		l.Debug("Skipping non-post change", "field", change.Field, "verb", value.Verb)
		return nil
	}

	// Cheap pre-filter on the webhook's own timestamp. The authoritative age
	// gate runs post-fetch in the worker; a missing created_time never skips.
	if h.cfg.MaxPostAgeMinutes > 0 && value.CreatedTime > 0 {
		age := time.Since(time.Unix(value.CreatedTime, 0))
		if age > time.Duration(h.cfg.MaxPostAgeMinutes)*time.Minute {
			l.Info("Skipping stale post at ingress", "post_id", value.PostID, "age", age)
			return nil
		}
	}

	details := map[string]any{
		"correlation_id": correlationID,
		"item":           value.Item,
		"verb":           value.Verb,
	}
	payload := models.ProcessPostPayload{
		FBPostID:      value.PostID,
		CorrelationID: correlationID,
		WebhookData:   webhookDataFrom(value),
	}

	// Row and job commit together; a failure here rolls both back, so no row
	// is left without its job. The caller logs the error and the delivery is
	// still answered with 200, so the upstream does not redeliver it.
	created, err := h.ingestor.IngestPost(ctx, value.PostID, details, payload)
	if err != nil {
		return err
	}

	if !created {
		metrics.PostsDeduplicated.Inc()
		l.Info("Post already known, skipping enqueue", "post_id", value.PostID)
		return nil
	}

	metrics.PostsEnqueued.Inc()
	l.Info("Post ingested, process-post job enqueued", "post_id", value.PostID)
	return nil
}

// webhookDataFrom captures the inline change payload as the worker's
// reduced-fidelity fallback for upstream fetch outages.
func webhookDataFrom(value webhookChangeValue) *models.WebhookData {
	data := &models.WebhookData{}
	if value.Message != "" {
		data.Message = &value.Message
	}
	if value.From != nil {
		data.FromID = &value.From.ID
		data.FromName = &value.From.Name
	}
	if value.CreatedTime > 0 {
		data.CreatedTime = &value.CreatedTime
	}
	return data
}

// HandleHealthz is the liveness probe: one trivial store round-trip.
func (h *Handlers) HandleHealthz(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		metrics.HealthStatus.Set(0)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	metrics.HealthStatus.Set(1)
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadyz adds the backlog predicate on top of the liveness check and
// reports each named check.
func (h *Handlers) HandleReadyz(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if err := h.store.Ping(c.Request.Context()); err != nil {
		checks["database"] = false
		ready = false
	} else {
		checks["database"] = true
	}

	if h.cfg.ReadyzMaxBacklog > 0 {
		backlog, err := h.jobs.Backlog(c.Request.Context(), models.QueueProcessPost)
		ok := err == nil && backlog < h.cfg.ReadyzMaxBacklog
		checks["queue_backlog"] = ok
		if !ok {
			ready = false
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}
