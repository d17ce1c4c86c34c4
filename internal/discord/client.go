package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/meta"

	"golang.org/x/time/rate"
)

// sinkTimeout is the hard cancellation budget for one dispatch. Firing it
// leaves the delivery state unknown: the bytes may already be on the wire.
const sinkTimeout = 30 * time.Second

const defaultRetryAfter = 5 * time.Second

const embedColor = 0x1877F2

// OutcomeClass is the dispatch failure taxonomy consumed by the pipeline.
type OutcomeClass string

const (
	OutcomeSuccess   OutcomeClass = "success"
	OutcomeRetryable OutcomeClass = "retryable"
	OutcomeAmbiguous OutcomeClass = "ambiguous"
	OutcomeFatal     OutcomeClass = "fatal"
)

// Result is the classified outcome of one dispatch attempt.
type Result struct {
	Class      OutcomeClass
	MessageID  string
	RetryAfter time.Duration
	Err        string
}

type webhookEmbed struct {
	Title     string `json:"title"`
	URL       string `json:"url,omitempty"`
	Color     int    `json:"color"`
	Timestamp string `json:"timestamp,omitempty"`
	Footer    *struct {
		Text string `json:"text"`
	} `json:"footer,omitempty"`
	Image *struct {
		URL string `json:"url"`
	} `json:"image,omitempty"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
	Roles []string `json:"roles"`
}

type webhookPayload struct {
	Content         string          `json:"content"`
	Embeds          []webhookEmbed  `json:"embeds"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

// Client dispatches formatted alerts to Discord webhook URLs.
type Client struct {
	httpClient  *http.Client
	router      *Router
	limiter     *rate.Limiter
	wait        bool
	disclaimer  string
	mentionRole string
	triggerTag  string
	logger      *slog.Logger
}

type ClientConfig struct {
	Router      *Router
	Wait        bool
	Disclaimer  string
	MentionRole string
	TriggerTag  string
	RatePerMin  int
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		// No client-level timeout: cancellation is per-request so a timeout is
		// distinguishable from other transport failures
		httpClient:  &http.Client{},
		router:      cfg.Router,
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin),
		wait:        cfg.Wait,
		disclaimer:  cfg.Disclaimer,
		mentionRole: cfg.MentionRole,
		triggerTag:  cfg.TriggerTag,
		logger:      logger,
	}
}

// Send dispatches one post to the sink and classifies the outcome. It never
// returns an error: every failure mode maps onto the Result taxonomy.
func (c *Client) Send(ctx context.Context, post *meta.GraphPost) Result {
	// Pace ourselves before touching the wire; nothing has been sent yet, so
	// a cancellation here is plain retryable.
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Class: OutcomeRetryable, Err: fmt.Sprintf("rate limiter wait aborted: %v", err)}
	}

	payload := c.buildPayload(post)
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Class: OutcomeFatal, Err: fmt.Sprintf("failed to serialize payload: %v", err)}
	}

	endpoint := c.router.Resolve(post.Message)
	if c.wait {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "wait=true"
	}

	reqCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Class: OutcomeFatal, Err: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Our abort fired after the request may have reached the sink. That is
		// the one outcome we refuse to retry.
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
			return Result{Class: OutcomeAmbiguous, Err: "sink call aborted after 30s, delivery state unknown"}
		}
		return Result{Class: OutcomeRetryable, Err: fmt.Sprintf("transport error: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result := Result{Class: OutcomeSuccess}
		if c.wait {
			var msg struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(respBody, &msg); err == nil {
				result.MessageID = msg.ID
			}
		}
		return result

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		if header := resp.Header.Get("Retry-After"); header != "" {
			if secs, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		c.logger.Warn("Sink rate limit hit", "retry_after", retryAfter)
		return Result{
			Class:      OutcomeRetryable,
			RetryAfter: retryAfter,
			Err:        fmt.Sprintf("sink rate limited (429), retry after %s", retryAfter),
		}

	case resp.StatusCode >= 500:
		return Result{Class: OutcomeRetryable, Err: fmt.Sprintf("sink server error (%d)", resp.StatusCode)}

	default:
		return Result{Class: OutcomeFatal, Err: fmt.Sprintf("sink rejected payload (%d): %s", resp.StatusCode, truncateForLog(respBody))}
	}
}

func (c *Client) buildPayload(post *meta.GraphPost) webhookPayload {
	content := Sanitize(post.Message, c.triggerTag)
	if c.disclaimer != "" {
		content += "\n\n" + c.disclaimer
	}
	if c.mentionRole != "" {
		content += "\n<@&" + c.mentionRole + ">"
	}

	embed := webhookEmbed{
		Title: "New Facebook Post",
		URL:   post.PermalinkURL,
		Color: embedColor,
	}
	if post.From != nil && post.From.Name != "" {
		embed.Title = post.From.Name
	}
	if created := post.CreatedAt(); created != nil {
		embed.Timestamp = created.UTC().Format(time.RFC3339)
	}
	embed.Footer = &struct {
		Text string `json:"text"`
	}{Text: "Relayed from Facebook"}
	if img := post.FirstImageURL(); img != "" {
		embed.Image = &struct {
			URL string `json:"url"`
		}{URL: img}
	}

	roles := []string{}
	if c.mentionRole != "" {
		roles = append(roles, c.mentionRole)
	}

	return webhookPayload{
		Content: content,
		Embeds:  []webhookEmbed{embed},
		// Empty parse list: post text can never expand @everyone/@here, only
		// the configured role may ping
		AllowedMentions: allowedMentions{Parse: []string{}, Roles: roles},
	}
}

func truncateForLog(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
