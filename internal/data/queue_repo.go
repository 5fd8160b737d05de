package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/data/pgxutil"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// DefaultVisibilityTimeout is how long a received message stays hidden from other consumers.
const DefaultVisibilityTimeout = 5 * time.Minute

// QueueRepoConfig holds configuration options for the Postgres work queue.
type QueueRepoConfig struct {
	// Queue partitions messages so several logical queues can share one table.
	Queue             string
	VisibilityTimeout time.Duration
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// QueueRepo is a leased work queue on top of the queue_messages table.
// Receivers wake on LISTEN/NOTIFY and compete through FOR UPDATE SKIP LOCKED.
type QueueRepo struct {
	DB           *sql.DB
	queue        string
	visibility   time.Duration
	timeProvider TimeProvider
	logger       *slog.Logger
}

var _ core.WorkQueue = (*QueueRepo)(nil)

// NewQueueRepo creates a QueueRepo bound to one logical queue.
func NewQueueRepo(db *sql.DB, cfg QueueRepoConfig) (*QueueRepo, error) {
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, ErrQueueNameRequired
	}
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueRepo{
		DB:           db,
		queue:        name,
		visibility:   visibility,
		timeProvider: tp,
		logger:       logger.With("component", "pg_queue", "queue", name),
	}, nil
}

func (r *QueueRepo) channel() string {
	return "queue_" + r.queue
}

// Enqueue stores the message and notifies listeners in the same transaction.
func (r *QueueRepo) Enqueue(ctx context.Context, msg model.JobMessage) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}
	return r.EnqueueRaw(ctx, body)
}

// EnqueueRaw stores an already-encoded body without validating it.
func (r *QueueRepo) EnqueueRaw(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		if _, execErr := tx.Exec(ctx, `
			INSERT INTO queue_messages (id, queue, body, enqueued_at)
			VALUES ($1, $2, $3, $4)
		`, id, r.queue, body, r.timeProvider.Now()); execErr != nil {
			return execErr
		}
		_, notifyErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, r.channel(), id)
		return notifyErr
	}})
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", apperrors.MapDBError(err))
	}
	return id, nil
}

// Receive leases the oldest visible message. When none is visible it listens for up to
// maxWait and tries once more before returning model.ErrNoJobsAvailable.
func (r *QueueRepo) Receive(ctx context.Context, maxWait time.Duration) (*model.Delivery, error) {
	d, err := r.reserveNext(ctx)
	if !errors.Is(err, model.ErrNoJobsAvailable) || maxWait <= 0 {
		return d, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	if waitErr := r.waitForNotification(waitCtx); waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(waitErr, context.DeadlineExceeded) && waitCtx.Err() == nil {
			r.logger.WarnContext(ctx, "queue listen failed", "error", waitErr)
		}
	}
	return r.reserveNext(ctx)
}

// A message is visible when it was never leased or its lease expired; either way a fresh
// token replaces whatever lease it had, which invalidates the previous receiver's token.
func (r *QueueRepo) reserveNext(ctx context.Context) (*model.Delivery, error) {
	now := r.timeProvider.Now()
	token := uuid.NewString()

	var (
		id    string
		body  []byte
		count int
	)
	err := r.DB.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM queue_messages
  WHERE queue = $1
    AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
  ORDER BY enqueued_at ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
UPDATE queue_messages m
SET lease_token = $3,
    lease_expires_at = $4,
    receive_count = m.receive_count + 1
FROM next
WHERE m.id = next.id
RETURNING m.id, m.body, m.receive_count
	`, r.queue, now, token, now.Add(r.visibility)).Scan(&id, &body, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("reserve message: %w", apperrors.MapDBError(err))
	}

	return &model.Delivery{
		MessageID:    id,
		Body:         body,
		Lease:        model.LeaseToken(token),
		ReceiveCount: count,
		ReceivedAt:   now,
	}, nil
}

func (r *QueueRepo) waitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{r.channel()}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", r.channel(), execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// Acknowledge deletes the message held by lease. A token that no longer matches any row
// (already acknowledged, or superseded by a redelivery) yields a StaleLease error.
func (r *QueueRepo) Acknowledge(ctx context.Context, lease model.LeaseToken) error {
	token, ok := parseLease(lease)
	if !ok {
		return apperrors.StaleLease("lease token is not recognised")
	}
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue = $1 AND lease_token = $2`, r.queue, token)
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", apperrors.MapDBError(err))
	}
	if n == 0 {
		return apperrors.StaleLease("lease is no longer held")
	}
	return nil
}

// Abandon leaves the lease to expire; the message becomes visible again after the
// visibility timeout, which doubles as the retry delay.
func (r *QueueRepo) Abandon(_ context.Context, _ model.LeaseToken) error {
	return nil
}

// DeadLetter moves the leased message to dead_letters in one statement.
func (r *QueueRepo) DeadLetter(ctx context.Context, delivery *model.Delivery, reason string) error {
	if delivery == nil {
		return apperrors.Validation("delivery is required")
	}
	token, ok := parseLease(delivery.Lease)
	if !ok {
		return apperrors.StaleLease("lease token is not recognised")
	}
	res, err := r.DB.ExecContext(ctx, `
WITH moved AS (
  DELETE FROM queue_messages
  WHERE queue = $1 AND lease_token = $2
  RETURNING id, queue, body, receive_count, enqueued_at
)
INSERT INTO dead_letters (id, queue, body, reason, receive_count, enqueued_at, dead_lettered_at)
SELECT id, queue, body, $3, receive_count, enqueued_at, $4
FROM moved
	`, r.queue, token, reason, r.timeProvider.Now())
	if err != nil {
		return fmt.Errorf("dead-letter message: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dead-letter message: %w", apperrors.MapDBError(err))
	}
	if n == 0 {
		return apperrors.StaleLease("lease is no longer held")
	}
	return nil
}

// QueueStats summarises one queue for the admin CLI.
type QueueStats struct {
	Visible     int
	Leased      int
	DeadLetters int
}

// Stats counts visible, leased and dead-lettered messages.
func (r *QueueRepo) Stats(ctx context.Context) (*QueueStats, error) {
	var s QueueStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE lease_expires_at IS NULL OR lease_expires_at <= $2) AS visible,
    count(*) FILTER (WHERE lease_expires_at > $2)                              AS leased,
    (SELECT count(*) FROM dead_letters WHERE queue = $1)                       AS dead
  FROM queue_messages
  WHERE queue = $1
  `, r.queue, r.timeProvider.Now()).Scan(&s.Visible, &s.Leased, &s.DeadLetters)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return &s, nil
}

func parseLease(lease model.LeaseToken) (string, bool) {
	id, err := uuid.Parse(string(lease))
	if err != nil {
		return "", false
	}
	return id.String(), true
}
