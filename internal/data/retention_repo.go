package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/data/pgxutil"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// Advisory lock keys for retention operations.
// pg_try_advisory_xact_lock(major, minor) keeps concurrent reapers from deleting the same batch.
const (
	advisoryLockRetentionMajor       = 2000
	advisoryLockRetentionResults     = 1
	advisoryLockRetentionDeadLetters = 2
)

var errInvalidBatch = errors.New("batch size must be greater than zero")

// RetentionRepo deletes aged prediction results and dead letters.
type RetentionRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

var _ core.RetentionRepository = (*RetentionRepo)(nil)

// NewRetentionRepo creates a RetentionRepo. A nil TimeProvider uses the wall clock.
func NewRetentionRepo(db *sql.DB, tp TimeProvider) *RetentionRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &RetentionRepo{DB: db, timeProvider: tp}
}

const deleteOldResultsQuery = `
	DELETE FROM prediction_results
	USING (
		SELECT prediction_id
		FROM prediction_results
		WHERE completed_at < $1
		ORDER BY completed_at
		LIMIT $2
	) sub
	WHERE prediction_results.prediction_id = sub.prediction_id`

const deleteOldDeadLettersQuery = `
	DELETE FROM dead_letters
	USING (
		SELECT id
		FROM dead_letters
		WHERE dead_lettered_at < $1
		ORDER BY dead_lettered_at
		LIMIT $2
	) sub
	WHERE dead_letters.id = sub.id`

// DeleteOldResults removes up to batchSize prediction_results rows completed before now-maxAge.
func (r *RetentionRepo) DeleteOldResults(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, batchParams{
		lock:   advisoryLockRetentionResults,
		maxAge: maxAge,
		batch:  batchSize,
		label:  "prediction_results",
		query:  deleteOldResultsQuery,
	})
}

// DeleteOldDeadLetters removes up to batchSize dead_letters rows parked before now-maxAge.
func (r *RetentionRepo) DeleteOldDeadLetters(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, batchParams{
		lock:   advisoryLockRetentionDeadLetters,
		maxAge: maxAge,
		batch:  batchSize,
		label:  "dead_letters",
		query:  deleteOldDeadLettersQuery,
	})
}

type batchParams struct {
	lock   int
	maxAge time.Duration
	batch  int
	label  string
	query  string
}

func (r *RetentionRepo) deleteBatch(ctx context.Context, p batchParams) (int64, error) {
	if p.batch <= 0 {
		return 0, errInvalidBatch
	}
	if p.maxAge <= 0 {
		return 0, apperrors.ValidationField("max_age", "max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var locked bool
			if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockRetentionMajor, p.lock).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			cutoff := r.timeProvider.Now().Add(-p.maxAge).UTC()
			tag, err := tx.Exec(ctx, p.query, cutoff, p.batch)
			if err != nil {
				return fmt.Errorf("delete old %s: %w", p.label, apperrors.MapDBError(err))
			}
			rowsAffected = tag.RowsAffected()
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
