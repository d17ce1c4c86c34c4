package models

import "time"

// Status is the post lifecycle state. The set is closed; every mutation of a
// posts row goes through the transition table below.
type Status string

const (
	StatusReceived    Status = "received"
	StatusFetching    Status = "fetching"
	StatusEligible    Status = "eligible"
	StatusSending     Status = "sending"
	StatusDelivered   Status = "delivered"
	StatusIgnored     Status = "ignored"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
)

// allowedTransitions maps each state to the exclusive set of reachable targets.
// failed/needs_review -> received is the operator-initiated retry re-entry.
var allowedTransitions = map[Status][]Status{
	StatusReceived:    {StatusFetching},
	StatusFetching:    {StatusEligible, StatusIgnored, StatusFailed, StatusReceived},
	StatusEligible:    {StatusSending},
	StatusSending:     {StatusDelivered, StatusFailed, StatusNeedsReview},
	StatusDelivered:   {},
	StatusIgnored:     {},
	StatusFailed:      {StatusReceived},
	StatusNeedsReview: {StatusReceived},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the pipeline will never mutate the row again.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusIgnored
}

// EventName is the audit event recorded alongside a transition into s.
func (s Status) EventName() string {
	return "status_" + string(s)
}

// Post is one row per observed upstream post identifier.
// Content fields are nil until the worker fetches the full record.
type Post struct {
	ID           int64      `db:"id"`
	FBPostID     string     `db:"fb_post_id"`
	Status       Status     `db:"status"`
	AuthorID     *string    `db:"author_id"`
	AuthorName   *string    `db:"author_name"`
	Message      *string    `db:"message"`
	Permalink    *string    `db:"permalink"`
	CreatedAt    *time.Time `db:"created_at"`
	ReceivedAt   time.Time  `db:"received_at"`
	DiscordMsgID *string    `db:"discord_msg_id"`
	DeliveredAt  *time.Time `db:"delivered_at"`
	RetryCount   int        `db:"retry_count"`
	LastError    *string    `db:"last_error"`
}

// PostEvent is an append-only audit entry keyed by post.
type PostEvent struct {
	ID        int64          `db:"id"`
	FBPostID  string         `db:"fb_post_id"`
	Event     string         `db:"event"`
	Details   map[string]any `db:"details"`
	CreatedAt time.Time      `db:"created_at"`
}

// DeliveryLog is one row per dispatch attempt against the sink.
type DeliveryLog struct {
	ID           int64     `db:"id"`
	FBPostID     string    `db:"fb_post_id"`
	Success      bool      `db:"success"`
	DiscordMsgID *string   `db:"discord_msg_id"`
	ErrorMessage *string   `db:"error_message"`
	LatencyMs    int       `db:"latency_ms"`
	CreatedAt    time.Time `db:"created_at"`
}
