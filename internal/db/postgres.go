package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPostNotFound is returned when no row exists for the post identifier.
	ErrPostNotFound = errors.New("post not found")

	// ErrInvalidTransition is the sentinel for a requested edge that is not in
	// the state machine. Callers must treat it as failure; the row is untouched.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitionColumns whitelists the caller-supplied fields a transition may set
// alongside the status change. Anything else is a programming error.
var transitionColumns = map[string]struct{}{
	"last_error":     {},
	"discord_msg_id": {},
	"delivered_at":   {},
}

type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		return nil, fmt.Errorf("no response from postgres: %w", err)
	}

	return &PostgresRepository{pool: p, logger: logger}, nil
}

// Pool exposes the underlying pool so the queue shares connections and
// transactional scope with the post store.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Ping is the trivial store round-trip behind /healthz.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	var one int
	return r.pool.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

// getOrCreatePostTx inserts a row for fbPostID if none exists, inside the
// caller's transaction, and reports whether this call created it. Concurrent
// calls on the same identifier collapse onto the unique constraint; losers
// observe created=false. The webhook_received audit event rides the same
// transaction, so a row never exists without its reception record.
func getOrCreatePostTx(ctx context.Context, tx pgx.Tx, fbPostID string, details map[string]any) (bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO posts (fb_post_id)
		VALUES ($1)
		ON CONFLICT (fb_post_id) DO NOTHING
		RETURNING id
	`, fbPostID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert post: %w", err)
	}

	if err := insertEvent(ctx, tx, fbPostID, "webhook_received", details); err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresRepository) GetPost(ctx context.Context, fbPostID string) (*models.Post, error) {
	post, err := scanPost(r.pool.QueryRow(ctx, selectPostSQL+` WHERE fb_post_id = $1`, fbPostID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read post: %w", err)
	}
	return post, nil
}

// Transition moves the row to target if the state machine allows the edge
// from its current status, applying the whitelisted extra fields and
// appending the status_<target> audit event atomically. The row is locked
// for the duration so two workers racing on the same post serialize and at
// most one of them wins the edge.
func (r *PostgresRepository) Transition(ctx context.Context, fbPostID string, target models.Status, fields map[string]any, details map[string]any) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current models.Status
	err = tx.QueryRow(ctx, `SELECT status FROM posts WHERE fb_post_id = $1 FOR UPDATE`, fbPostID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPostNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock post row: %w", err)
	}

	if !models.CanTransition(current, target) {
		r.logger.Warn("Rejected invalid status transition",
			"fb_post_id", fbPostID,
			"from", current,
			"to", target,
		)
		return ErrInvalidTransition
	}

	query := `UPDATE posts SET status = $1, updated_at = CURRENT_TIMESTAMP`
	args := []any{target}
	for column, value := range fields {
		if _, ok := transitionColumns[column]; !ok {
			return fmt.Errorf("column %q is not allowed in a transition", column)
		}
		args = append(args, value)
		query += fmt.Sprintf(", %s = $%d", column, len(args))
	}
	args = append(args, fbPostID)
	query += fmt.Sprintf(" WHERE fb_post_id = $%d", len(args))

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update post status: %w", err)
	}

	if err := insertEvent(ctx, tx, fbPostID, target.EventName(), details); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	r.logger.Debug("Status transition applied", "fb_post_id", fbPostID, "from", current, "to", target)
	return nil
}

// UpdateFetchedFields persists the authoritative content from the Graph
// fetch. Data-only write: status is untouched and no audit event is emitted.
func (r *PostgresRepository) UpdateFetchedFields(ctx context.Context, fbPostID string, authorID, authorName, message, permalink *string, createdAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE posts
		SET author_id = $2,
		    author_name = $3,
		    message = $4,
		    permalink = $5,
		    created_at = $6,
		    updated_at = CURRENT_TIMESTAMP
		WHERE fb_post_id = $1
	`, fbPostID, authorID, authorName, message, permalink, createdAt)
	if err != nil {
		return fmt.Errorf("failed to persist fetched fields: %w", err)
	}
	return nil
}

// MarkForRetry re-arms the row for another pipeline pass: status back to
// received, retry counter bumped, failure reason recorded. Delivered rows are
// never touched; a retry there could duplicate the message.
func (r *PostgresRepository) MarkForRetry(ctx context.Context, fbPostID string, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current models.Status
	err = tx.QueryRow(ctx, `SELECT status FROM posts WHERE fb_post_id = $1 FOR UPDATE`, fbPostID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPostNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock post row: %w", err)
	}

	if current == models.StatusDelivered {
		r.logger.Warn("Refusing to mark delivered post for retry", "fb_post_id", fbPostID)
		return ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx, `
		UPDATE posts
		SET status = $2,
		    retry_count = retry_count + 1,
		    last_error = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE fb_post_id = $1
	`, fbPostID, models.StatusReceived, reason); err != nil {
		return fmt.Errorf("failed to mark post for retry: %w", err)
	}

	if err := insertEvent(ctx, tx, fbPostID, "marked_for_retry", map[string]any{"error": reason}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit retry mark: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertDeliveryLog(ctx context.Context, entry models.DeliveryLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO delivery_logs (fb_post_id, success, discord_msg_id, error_message, latency_ms)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.FBPostID, entry.Success, entry.DiscordMsgID, entry.ErrorMessage, entry.LatencyMs)
	if err != nil {
		return fmt.Errorf("failed to insert delivery log: %w", err)
	}
	return nil
}

// PruneTerminalPosts deletes delivered/ignored rows untouched for longer than
// retention, cascading to their events, and sweeps orphaned delivery logs.
func (r *PostgresRepository) PruneTerminalPosts(ctx context.Context, retention time.Duration) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM posts
		WHERE status IN ($1, $2)
		  AND updated_at < CURRENT_TIMESTAMP - $3::interval
	`, models.StatusDelivered, models.StatusIgnored, fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal posts: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM delivery_logs dl
		WHERE NOT EXISTS (SELECT 1 FROM posts p WHERE p.fb_post_id = dl.fb_post_id)
	`); err != nil {
		return 0, fmt.Errorf("failed to prune delivery logs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	return tag.RowsAffected(), nil
}

const selectPostSQL = `
	SELECT id, fb_post_id, status, author_id, author_name, message, permalink,
	       created_at, received_at, discord_msg_id, delivered_at, retry_count, last_error
	FROM posts`

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(
		&p.ID,
		&p.FBPostID,
		&p.Status,
		&p.AuthorID,
		&p.AuthorName,
		&p.Message,
		&p.Permalink,
		&p.CreatedAt,
		&p.ReceivedAt,
		&p.DiscordMsgID,
		&p.DeliveredAt,
		&p.RetryCount,
		&p.LastError,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, fbPostID, event string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to serialize event details: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO post_events (fb_post_id, event, details)
		VALUES ($1, $2, $3)
	`, fbPostID, event, payload); err != nil {
		return fmt.Errorf("failed to append post event: %w", err)
	}
	return nil
}
