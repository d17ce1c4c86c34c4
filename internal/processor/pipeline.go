package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/db"
	"github.com/Guizzs26/fb-discord-relay/internal/discord"
	"github.com/Guizzs26/fb-discord-relay/internal/meta"
	"github.com/Guizzs26/fb-discord-relay/internal/models"
	"github.com/Guizzs26/fb-discord-relay/pkg/metrics"
)

// PostStore is the repository surface the pipeline drives.
type PostStore interface {
	GetPost(ctx context.Context, fbPostID string) (*models.Post, error)
	Transition(ctx context.Context, fbPostID string, target models.Status, fields map[string]any, details map[string]any) error
	UpdateFetchedFields(ctx context.Context, fbPostID string, authorID, authorName, message, permalink *string, createdAt *time.Time) error
	MarkForRetry(ctx context.Context, fbPostID string, reason string) error
	InsertDeliveryLog(ctx context.Context, entry models.DeliveryLog) error
}

// PostFetcher reads the authoritative post record from the Graph API.
type PostFetcher interface {
	FetchPost(ctx context.Context, postID string) (*meta.GraphPost, error)
}

// AlertSender dispatches a post to the sink and classifies the outcome.
type AlertSender interface {
	Send(ctx context.Context, post *meta.GraphPost) discord.Result
}

// Config is the slice of runtime configuration the pipeline consults.
type Config struct {
	AlertsEnabled bool
	TriggerTag    string
	MaxPostAge    time.Duration
}

// Pipeline drives one post through fetch -> filter -> dispatch -> record.
// It is the queue handler: a returned error means "reschedule me with
// backoff", every other outcome is settled locally with a state transition.
type Pipeline struct {
	store   PostStore
	fetcher PostFetcher
	sender  AlertSender
	cfg     Config
	logger  *slog.Logger
}

func NewPipeline(store PostStore, fetcher PostFetcher, sender AlertSender, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   store,
		fetcher: fetcher,
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
	}
}

// Handle implements queue.Handler.
func (p *Pipeline) Handle(ctx context.Context, job models.Job) (err error) {
	var payload models.ProcessPostPayload
	if jsonErr := json.Unmarshal(job.Payload, &payload); jsonErr != nil {
		// Poison pill: retrying cannot fix a malformed payload
		p.logger.Error("Dropping job with malformed payload", "job_id", job.ID, "error", jsonErr)
		metrics.PipelineOutcomes.WithLabelValues("failed").Inc()
		return nil
	}

	l := p.logger.With(
		"correlation_id", payload.CorrelationID,
		"fb_post_id", payload.FBPostID,
	)

	outcome := "failed"
	defer func() {
		metrics.PipelineOutcomes.WithLabelValues(outcome).Inc()
	}()

	post, err := p.store.GetPost(ctx, payload.FBPostID)
	if errors.Is(err, db.ErrPostNotFound) {
		l.Warn("Post row missing for job, nothing to do")
		outcome = "skipped"
		return nil
	}
	if err != nil {
		outcome = "retry"
		return err
	}

	// Idempotent re-processing: a duplicate or rescued job for a settled post
	// completes without side effects.
	if post.Status.IsTerminal() {
		l.Info("Post already settled, skipping", "status", post.Status)
		outcome = "skipped"
		return nil
	}

	// Kill switch: suppression, not deferral. The job completes and the event
	// is dropped; nothing transitions, nothing burns retries.
	if !p.cfg.AlertsEnabled {
		l.Info("Alerts disabled, suppressing post")
		outcome = "suppressed"
		return nil
	}

	if terr := p.store.Transition(ctx, payload.FBPostID, models.StatusFetching, nil, map[string]any{
		"correlation_id": payload.CorrelationID,
	}); terr != nil {
		if errors.Is(terr, db.ErrInvalidTransition) {
			// Another worker owns this edge, or the row is in an unexpected
			// state. The transition function already made this a no-op.
			l.Warn("Could not enter fetching state", "status", post.Status)
			outcome = "skipped"
			return nil
		}
		outcome = "retry"
		return terr
	}

	fetched, err := p.fetchWithFallback(ctx, l, payload)
	if err != nil {
		if meta.IsRetryable(err) {
			if rerr := p.store.MarkForRetry(ctx, payload.FBPostID, err.Error()); rerr != nil {
				l.Error("Failed to mark post for retry", "error", rerr)
			}
			outcome = "retry"
			return err
		}

		if terr := p.store.Transition(ctx, payload.FBPostID, models.StatusFailed,
			map[string]any{"last_error": err.Error()},
			map[string]any{"error": err.Error()},
		); terr != nil {
			l.Error("Failed to record fetch failure", "error", terr)
		}
		l.Warn("Post fetch failed terminally", "error", err)
		outcome = "failed"
		return nil
	}

	if err := p.persistFetched(ctx, payload.FBPostID, fetched); err != nil {
		outcome = "retry"
		return err
	}

	// Post-fetch age gate, the load-bearing one: the fetched created_time is
	// authoritative. Unknown age cannot assert freshness, so it is treated as
	// too old.
	if p.cfg.MaxPostAge > 0 {
		created := fetched.CreatedAt()
		if created == nil || time.Since(*created) > p.cfg.MaxPostAge {
			if terr := p.store.Transition(ctx, payload.FBPostID, models.StatusIgnored, nil,
				map[string]any{"reason": "Post too old"},
			); terr != nil {
				l.Error("Failed to record age-gate ignore", "error", terr)
			}
			l.Info("Post ignored by age gate")
			outcome = "ignored"
			return nil
		}
	}

	if !discord.HasTag(fetched.Message, p.cfg.TriggerTag) {
		if terr := p.store.Transition(ctx, payload.FBPostID, models.StatusIgnored, nil,
			map[string]any{"reason": "No trigger tag"},
		); terr != nil {
			l.Error("Failed to record tag-filter ignore", "error", terr)
		}
		l.Info("Post ignored, no trigger tag")
		outcome = "ignored"
		return nil
	}

	for _, gate := range []models.Status{models.StatusEligible, models.StatusSending} {
		if terr := p.store.Transition(ctx, payload.FBPostID, gate, nil, nil); terr != nil {
			if errors.Is(terr, db.ErrInvalidTransition) {
				l.Warn("Lost the race into state, bailing out", "target", gate)
				outcome = "skipped"
				return nil
			}
			outcome = "retry"
			return terr
		}
	}

	start := time.Now()
	result := p.sender.Send(ctx, fetched)
	latency := time.Since(start)
	metrics.DeliveryLatency.Observe(latency.Seconds())

	p.recordDelivery(ctx, l, payload.FBPostID, result, latency)

	switch result.Class {
	case discord.OutcomeSuccess:
		now := time.Now().UTC()
		if terr := p.store.Transition(ctx, payload.FBPostID, models.StatusDelivered,
			map[string]any{"discord_msg_id": result.MessageID, "delivered_at": now},
			map[string]any{"discord_msg_id": result.MessageID, "latency_ms": latency.Milliseconds()},
		); terr != nil {
			l.Error("Delivered but failed to record delivered state", "error", terr)
		}
		l.Info("Post delivered", "discord_msg_id", result.MessageID, "latency_ms", latency.Milliseconds())
		outcome = "delivered"
		return nil

	case discord.OutcomeAmbiguous:
		// The bytes may have landed. A retry could duplicate the message, so
		// this parks for a human instead.
		if terr := p.store.Transition(ctx, payload.FBPostID, models.StatusNeedsReview,
			map[string]any{"last_error": result.Err},
			map[string]any{"reason": result.Err},
		); terr != nil {
			l.Error("Failed to record ambiguous outcome", "error", terr)
		}
		l.Warn("Dispatch outcome ambiguous, flagged for review", "error", result.Err)
		outcome = "needs_review"
		return nil

	case discord.OutcomeRetryable:
		if result.RetryAfter > 0 {
			// The queue's own backoff stays authoritative; the hint is logged
			l.Warn("Sink asked us to back off", "retry_after", result.RetryAfter)
		}
		if rerr := p.store.MarkForRetry(ctx, payload.FBPostID, result.Err); rerr != nil {
			l.Error("Failed to mark post for retry", "error", rerr)
		}
		outcome = "retry"
		return fmt.Errorf("sink dispatch failed: %s", result.Err)

	default: // OutcomeFatal
		if terr := p.store.Transition(ctx, payload.FBPostID, models.StatusFailed,
			map[string]any{"last_error": result.Err},
			map[string]any{"error": result.Err},
		); terr != nil {
			l.Error("Failed to record dispatch failure", "error", terr)
		}
		l.Error("Dispatch failed terminally", "error", result.Err)
		outcome = "failed"
		return nil
	}
}

// fetchWithFallback calls the Graph API and, when it fails but the webhook
// delivery carried an inline message, synthesizes a reduced-fidelity post so
// the pipeline survives transient upstream outages. The fallback never
// bypasses the author check: the webhook entry's author is the page itself by
// construction.
func (p *Pipeline) fetchWithFallback(ctx context.Context, l *slog.Logger, payload models.ProcessPostPayload) (*meta.GraphPost, error) {
	fetched, err := p.fetcher.FetchPost(ctx, payload.FBPostID)
	if err == nil {
		return fetched, nil
	}

	wd := payload.WebhookData
	if wd == nil || wd.Message == nil {
		return nil, err
	}

	l.Warn("Graph fetch failed, falling back to webhook payload", "error", err)

	synthesized := &meta.GraphPost{
		ID:      payload.FBPostID,
		Message: *wd.Message,
	}
	if wd.FromID != nil {
		synthesized.From = &meta.GraphFrom{ID: *wd.FromID}
		if wd.FromName != nil {
			synthesized.From.Name = *wd.FromName
		}
	}
	if wd.CreatedTime != nil {
		synthesized.CreatedTime = time.Unix(*wd.CreatedTime, 0).Format("2006-01-02T15:04:05-0700")
	}
	return synthesized, nil
}

// persistFetched is a data-only write: no status change, no audit event.
func (p *Pipeline) persistFetched(ctx context.Context, fbPostID string, fetched *meta.GraphPost) error {
	var authorID, authorName *string
	if fetched.From != nil {
		authorID = &fetched.From.ID
		if fetched.From.Name != "" {
			authorName = &fetched.From.Name
		}
	}

	var message, permalink *string
	if fetched.Message != "" {
		message = &fetched.Message
	}
	if fetched.PermalinkURL != "" {
		permalink = &fetched.PermalinkURL
	}

	return p.store.UpdateFetchedFields(ctx, fbPostID, authorID, authorName, message, permalink, fetched.CreatedAt())
}

// recordDelivery appends the attempt log for every dispatch, success or not.
func (p *Pipeline) recordDelivery(ctx context.Context, l *slog.Logger, fbPostID string, result discord.Result, latency time.Duration) {
	entry := models.DeliveryLog{
		FBPostID:  fbPostID,
		Success:   result.Class == discord.OutcomeSuccess,
		LatencyMs: int(latency.Milliseconds()),
	}
	if result.MessageID != "" {
		entry.DiscordMsgID = &result.MessageID
	}
	if result.Err != "" {
		entry.ErrorMessage = &result.Err
	}

	if err := p.store.InsertDeliveryLog(ctx, entry); err != nil {
		l.Error("Failed to record delivery attempt", "error", err)
	}
}
