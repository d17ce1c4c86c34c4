package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/models"
	"github.com/Guizzs26/fb-discord-relay/pkg/metrics"
)

// claimBackoffLimit caps how far the claim loop stretches its poll interval
// while the store is unreachable.
const claimBackoffLimit = time.Minute

// Handler processes one claimed job. A nil return completes the job; a
// non-nil return asks the queue to reschedule it with backoff. That error
// contract is the retry signal for the whole pipeline.
type Handler interface {
	Handle(ctx context.Context, job models.Job) error
}

// Consumer drives a Handler over a single queue with a polling claim loop.
type Consumer struct {
	queue        *Queue
	handler      Handler
	queueName    string
	batchSize    int
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewConsumer(q *Queue, handler Handler, queueName string, batchSize int, pollInterval time.Duration, logger *slog.Logger) *Consumer {
	return &Consumer{
		queue:        q,
		handler:      handler,
		queueName:    queueName,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Listen blocks until the context is canceled. On shutdown the current batch
// is drained to completion; no new batch is claimed. Consecutive claim
// failures (store outage) widen the poll interval on the same backoff curve
// the jobs themselves retry on, instead of hammering Postgres.
func (c *Consumer) Listen(ctx context.Context) error {
	c.logger.Info("Consumer is online and polling for jobs", "queue", c.queueName, "batch_size", c.batchSize)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer shutting down...")
			return nil
		default:
		}

		if err := c.processBatch(ctx); err != nil {
			failures++
			wait := backoffDelay(c.pollInterval, claimBackoffLimit, failures)
			c.logger.Error("Batch cycle failed, backing off", "retry_in", wait, "error", err)

			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		failures = 0

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			c.logger.Info("Consumer shutting down...")
			return nil
		}
	}
}

func (c *Consumer) processBatch(ctx context.Context) error {
	jobs, err := c.queue.ClaimBatch(ctx, c.queueName, c.batchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil // Idle cycle
	}

	start := time.Now()
	c.logger.Debug("Processing claimed batch", "count", len(jobs))

	// The batch is drained even when shutdown fires mid-way: jobs are already
	// claimed, and abandoning them would leave active rows for the janitor.
	// Handlers observe ctx themselves for in-flight HTTP cancellation.
	for _, job := range jobs {
		c.dispatch(ctx, job)
	}

	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	metrics.BatchSize.Observe(float64(len(jobs)))
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, job models.Job) {
	// Job bookkeeping survives a canceled ctx; a fresh short deadline covers it.
	finishCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	}

	if err := c.handler.Handle(ctx, job); err != nil {
		bctx, cancel := finishCtx()
		defer cancel()

		if rerr := c.queue.Reschedule(bctx, job, err); rerr != nil {
			c.logger.Error("CRITICAL: Failed to reschedule job after handler error",
				"job_id", job.ID, "handler_error", err, "error", rerr)
		}
		metrics.JobsProcessed.WithLabelValues("retry", c.queueName).Inc()
		return
	}

	bctx, cancel := finishCtx()
	defer cancel()

	if err := c.queue.Complete(bctx, job.ID); err != nil {
		// The job stays active and the janitor will rescue it; the pipeline is
		// idempotent so the eventual re-run is harmless.
		c.logger.Error("Job processed but failed to mark completed", "job_id", job.ID, "error", err)
		metrics.JobsProcessed.WithLabelValues("error", c.queueName).Inc()
		return
	}

	metrics.JobsProcessed.WithLabelValues("completed", c.queueName).Inc()
}
