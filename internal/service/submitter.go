package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/metrics"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/statsd"
)

// Photo is an image ready to be stored under Key.
type Photo struct {
	Key         string
	Data        []byte
	ContentType string
}

// JobSubmitterOptions groups dependencies for JobSubmitter.
type JobSubmitterOptions struct {
	Blobs   core.BlobStore // Required
	Queue   core.WorkQueue // Required
	Logger  *slog.Logger   // Optional
	Metrics statsd.Sink    // Optional
}

// JobSubmitter stores user photos and enqueues detection jobs.
type JobSubmitter struct {
	blobs   core.BlobStore
	queue   core.WorkQueue
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewJobSubmitter constructs a JobSubmitter.
func NewJobSubmitter(opts JobSubmitterOptions) (*JobSubmitter, error) {
	if opts.Blobs == nil {
		return nil, errors.New("BlobStore is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("WorkQueue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobSubmitter{
		blobs:   opts.Blobs,
		queue:   opts.Queue,
		logger:  logger.With("component", "job_submitter"),
		metrics: opts.Metrics,
	}, nil
}

// Submit uploads the photo and enqueues a job for it. It returns as soon as the
// job is durable and never waits for processing.
func (s *JobSubmitter) Submit(ctx context.Context, photo Photo, chatID int64) (string, error) {
	jobID, err := s.submit(ctx, photo, chatID)
	metrics.EmitSubmission(s.metrics, err)
	return jobID, err
}

func (s *JobSubmitter) submit(ctx context.Context, photo Photo, chatID int64) (string, error) {
	key := strings.TrimSpace(photo.Key)
	if key == "" {
		return "", apperrors.ValidationField("key", "photo key is required")
	}
	if len(photo.Data) == 0 {
		return "", apperrors.ValidationField("data", "photo is empty")
	}
	if chatID == 0 {
		return "", apperrors.ValidationField("chat_id", "chat id is required")
	}

	contentType := photo.ContentType
	if contentType == "" {
		contentType = contentTypeFor(key)
	}
	if err := s.blobs.Put(ctx, key, bytes.NewReader(photo.Data), int64(len(photo.Data)), contentType); err != nil {
		return "", fmt.Errorf("upload photo %s: %w", key, err)
	}

	jobID, err := s.queue.Enqueue(ctx, model.JobMessage{ImageKey: key, ChatID: chatID})
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.InfoContext(ctx, "job submitted", "job_id", jobID, "chat_id", chatID, "image_key", key)
	return jobID, nil
}
