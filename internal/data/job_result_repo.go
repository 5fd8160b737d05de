package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/data/pgxutil"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// JobResultRepo persists prediction results in the prediction_results table.
type JobResultRepo struct {
	DB *sql.DB
}

var _ core.ResultStore = (*JobResultRepo)(nil)

// NewJobResultRepo constructs a JobResultRepo.
func NewJobResultRepo(db *sql.DB) *JobResultRepo {
	return &JobResultRepo{DB: db}
}

type predictionRow struct {
	PredictionID    string    `db:"prediction_id"`
	ChatID          int64     `db:"chat_id"`
	OriginalImgKey  string    `db:"original_img_key"`
	PredictedImgKey string    `db:"predicted_img_key"`
	Labels          []byte    `db:"labels"`
	CompletedAt     time.Time `db:"completed_at"`
}

func (row predictionRow) toModel() (*model.JobResult, error) {
	res := &model.JobResult{
		JobID:             row.PredictionID,
		ChatID:            row.ChatID,
		SourceImageKey:    row.OriginalImgKey,
		AnnotatedImageKey: row.PredictedImgKey,
		CompletedAt:       row.CompletedAt.UTC(),
		Detections:        []model.Detection{},
	}
	if len(row.Labels) > 0 {
		if err := json.Unmarshal(row.Labels, &res.Detections); err != nil {
			return nil, fmt.Errorf("decode labels for %s: %w", row.PredictionID, err)
		}
	}
	return res, nil
}

// Put stores or replaces the result for result.JobID.
func (r *JobResultRepo) Put(ctx context.Context, result *model.JobResult) error {
	if result == nil {
		return ErrResultRequired
	}
	if strings.TrimSpace(result.JobID) == "" {
		return ErrPredictionIDRequired
	}
	detections := result.Detections
	if detections == nil {
		detections = []model.Detection{}
	}
	labels, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}

	const query = `
		INSERT INTO prediction_results (
			prediction_id, chat_id, original_img_key, predicted_img_key, labels, completed_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, now())
		ON CONFLICT (prediction_id)
		DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			original_img_key = EXCLUDED.original_img_key,
			predicted_img_key = EXCLUDED.predicted_img_key,
			labels = EXCLUDED.labels,
			completed_at = EXCLUDED.completed_at,
			updated_at = now();`
	if _, execErr := r.DB.ExecContext(ctx, query,
		result.JobID,
		result.ChatID,
		result.SourceImageKey,
		result.AnnotatedImageKey,
		string(labels),
		result.CompletedAt,
	); execErr != nil {
		return fmt.Errorf("upsert prediction_results: %w", apperrors.MapDBError(execErr))
	}
	return nil
}

// Get returns the stored result or a NotFound AppError.
func (r *JobResultRepo) Get(ctx context.Context, jobID string) (*model.JobResult, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrPredictionIDRequired
	}

	const query = `
		SELECT prediction_id, chat_id, original_img_key, predicted_img_key, labels, completed_at
		FROM prediction_results
		WHERE prediction_id = $1`

	var res *model.JobResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()
		row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[predictionRow])
		if err != nil {
			return err
		}
		res, err = row.toModel()
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFoundf("prediction %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction_results: %w", apperrors.MapDBError(err))
	}
	return res, nil
}
