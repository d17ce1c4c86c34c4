package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	retryBaseDelay = 1 * time.Minute
	retryMaxDelay  = 64 * time.Minute
)

// Queue is a durable job queue persisted in the same Postgres database as the
// post store, so job state and post state live in one transactional domain.
type Queue struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	maxRetries int
}

func New(pool *pgxpool.Pool, maxRetries int, logger *slog.Logger) *Queue {
	return &Queue{
		pool:       pool,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// EnqueueTx inserts a job inside the caller's transaction, so job persistence
// commits or rolls back together with the domain write that produced it. The
// singleton key guarantees at most one live job (created|active|retry) per
// (queue, key); a duplicate insert collapses on the partial unique index and
// reports enqueued=false.
func (q *Queue) EnqueueTx(ctx context.Context, tx pgx.Tx, queueName, singletonKey string, payload any) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to serialize job payload: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO relay_jobs (queue, singleton_key, payload, max_retries)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue, singleton_key)
			WHERE state IN ('created', 'active', 'retry') AND singleton_key IS NOT NULL
			DO NOTHING
	`, queueName, singletonKey, body, q.maxRetries)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ClaimBatch atomically claims up to batchSize due jobs, marking them active.
// SKIP LOCKED lets multiple worker processes claim disjoint batches.
func (q *Queue) ClaimBatch(ctx context.Context, queueName string, batchSize int) ([]models.Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, queue, singleton_key, payload, state, retry_count, max_retries,
		       scheduled_for, claimed_at, last_error, created_at
		FROM relay_jobs
		WHERE queue = $1
		  AND state IN ('created', 'retry')
		  AND scheduled_for <= CURRENT_TIMESTAMP
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, queueName, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		err := rows.Scan(
			&j.ID,
			&j.Queue,
			&j.SingletonKey,
			&j.Payload,
			&j.State,
			&j.RetryCount,
			&j.MaxRetries,
			&j.ScheduledFor,
			&j.ClaimedAt,
			&j.LastError,
			&j.CreatedAt,
		)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due jobs: %w", err)
	}

	if len(jobs) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}

	if _, err := tx.Exec(ctx, `
		UPDATE relay_jobs
		SET state = 'active', claimed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ANY($1)
	`, ids); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return jobs, nil
}

// Complete marks a job done. Completed jobs leave the singleton-key scope
// immediately, so a new event for the same post may enqueue again.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = 'completed', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Reschedule records a handler failure. The job re-enters the queue with
// exponential backoff until its retry budget is exhausted, then parks in the
// terminal failed state for operator inspection.
func (q *Queue) Reschedule(ctx context.Context, job models.Job, jobErr error) error {
	attempt := job.RetryCount + 1

	if attempt > job.MaxRetries {
		q.logger.Error("Job retries exhausted, moving to failed",
			"job_id", job.ID,
			"queue", job.Queue,
			"attempts", attempt,
			"error", jobErr,
		)
		_, err := q.pool.Exec(ctx, `
			UPDATE relay_jobs
			SET state = 'failed', last_error = $2, updated_at = CURRENT_TIMESTAMP
			WHERE id = $1
		`, job.ID, jobErr.Error())
		if err != nil {
			return fmt.Errorf("failed to park job as failed: %w", err)
		}
		return nil
	}

	delay := RetryDelay(attempt)
	q.logger.Warn("Job failed, rescheduling with backoff",
		"job_id", job.ID,
		"queue", job.Queue,
		"attempt", attempt,
		"delay", delay,
		"error", jobErr,
	)

	_, err := q.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = 'retry',
		    retry_count = $2,
		    scheduled_for = CURRENT_TIMESTAMP + $3::interval,
		    last_error = $4,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, job.ID, attempt, fmt.Sprintf("%d seconds", int(delay.Seconds())), jobErr.Error())
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// RetryDelay computes the backoff before the given job attempt (1-based):
// 1m, 2m, 4m, ... capped at 64m.
func RetryDelay(attempt int) time.Duration {
	return backoffDelay(retryBaseDelay, retryMaxDelay, attempt)
}

// backoffDelay doubles base (attempt-1) times up to limit, then jitters the
// result by ±20% so retry herds spread. Never less than a second. Both the
// per-job retry schedule and the consumer's claim-loop pacing derive from
// this one function.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			delay = limit
			break
		}
	}

	jitterFactor := rand.Float64()*0.4 - 0.2
	jitter := time.Duration(jitterFactor * float64(delay))
	return max(delay+jitter, time.Second)
}

// Backlog counts live jobs on a queue. Fed to the backlog gauge and the
// readiness check.
func (q *Queue) Backlog(ctx context.Context, queueName string) (int, error) {
	var count int
	err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM relay_jobs
		WHERE queue = $1 AND state IN ('created', 'active', 'retry')
	`, queueName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backlog: %w", err)
	}
	return count, nil
}

// ResetStaleJobs rescues active jobs whose worker died mid-flight: anything
// claimed longer than staleAfter ago goes back to retry without burning the
// retry budget.
func (q *Queue) ResetStaleJobs(ctx context.Context, queueName string, staleAfter time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = 'retry',
		    scheduled_for = CURRENT_TIMESTAMP,
		    claimed_at = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE queue = $1
		  AND state = 'active'
		  AND claimed_at < CURRENT_TIMESTAMP - $2::interval
	`, queueName, fmt.Sprintf("%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ArchiveOldJobs deletes terminal jobs past the retention window.
func (q *Queue) ArchiveOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM relay_jobs
		WHERE state IN ('completed', 'failed')
		  AND updated_at < CURRENT_TIMESTAMP - $1::interval
	`, fmt.Sprintf("%d days", retentionDays))
	if err != nil {
		return 0, fmt.Errorf("failed to archive old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
