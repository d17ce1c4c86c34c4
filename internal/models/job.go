package models

import (
	"encoding/json"
	"time"
)

// Job state machine inside the queue. Terminal states (completed/failed) are
// excluded from the singleton-key uniqueness so a post can be re-enqueued.
type JobState string

const (
	JobCreated   JobState = "created"
	JobActive    JobState = "active"
	JobRetry     JobState = "retry"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// QueueProcessPost is the single queue this system uses.
const QueueProcessPost = "process-post"

// Job is a row in relay_jobs.
type Job struct {
	ID           int64           `db:"id"`
	Queue        string          `db:"queue"`
	SingletonKey *string         `db:"singleton_key"`
	Payload      json.RawMessage `db:"payload"`
	State        JobState        `db:"state"`
	RetryCount   int             `db:"retry_count"`
	MaxRetries   int             `db:"max_retries"`
	ScheduledFor time.Time       `db:"scheduled_for"`
	ClaimedAt    *time.Time      `db:"claimed_at"`
	LastError    *string         `db:"last_error"`
	CreatedAt    time.Time       `db:"created_at"`
}

// WebhookData is the inline change payload captured at ingress. It is a
// reduced-fidelity fallback for when the Graph fetch is unavailable: no
// permalink, no attachments, author implied by the page itself.
type WebhookData struct {
	Message     *string `json:"message,omitempty"`
	FromID      *string `json:"from_id,omitempty"`
	FromName    *string `json:"from_name,omitempty"`
	CreatedTime *int64  `json:"created_time,omitempty"` // epoch seconds
}

// ProcessPostPayload is the body of every process-post job.
type ProcessPostPayload struct {
	FBPostID      string       `json:"fb_post_id"`
	CorrelationID string       `json:"correlation_id"`
	WebhookData   *WebhookData `json:"webhook_data,omitempty"`
}
