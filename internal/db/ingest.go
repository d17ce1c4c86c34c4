package db

import (
	"context"
	"fmt"

	"github.com/Guizzs26/fb-discord-relay/internal/models"

	"github.com/jackc/pgx/v5"
)

// TxEnqueuer inserts a job inside an existing transaction.
type TxEnqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, queueName, singletonKey string, payload any) (bool, error)
}

// Ingestor couples the post upsert with the job enqueue in one transaction:
// the row is created iff its processing job is enqueued. A crash or enqueue
// failure between the two writes rolls both back, so no row is stranded
// without its job, and a later delivery of the same post starts clean.
type Ingestor struct {
	repo *PostgresRepository
	jobs TxEnqueuer
}

func NewIngestor(repo *PostgresRepository, jobs TxEnqueuer) *Ingestor {
	return &Ingestor{repo: repo, jobs: jobs}
}

// IngestPost upserts the post row for fbPostID and reports whether this call
// created it. On creation the webhook_received event and the process-post job
// are written before the single commit.
func (i *Ingestor) IngestPost(ctx context.Context, fbPostID string, details map[string]any, payload models.ProcessPostPayload) (bool, error) {
	tx, err := i.repo.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	created, err := getOrCreatePostTx(ctx, tx, fbPostID, details)
	if err != nil {
		return false, err
	}

	if created {
		enqueued, err := i.jobs.EnqueueTx(ctx, tx, models.QueueProcessPost, fbPostID, payload)
		if err != nil {
			return false, fmt.Errorf("failed to enqueue processing job: %w", err)
		}
		if !enqueued {
			// A live job without its row only happens after operator surgery
			// on the posts table; the singleton key absorbed the insert
			i.repo.logger.Warn("Job already live for newly created post", "fb_post_id", fbPostID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit post ingest: %w", err)
	}

	return created, nil
}
