// Package core defines the ports of the detection pipeline and the small
// services that compose them without touching infrastructure.
package core

import (
	"context"
	"io"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
)

// This file contains port definitions (hexagonal architecture).
// Services depend on these interfaces; adapters and the data layer implement them.

// WorkQueue is a durable, at-least-once queue of job messages with per-receive leases.
type WorkQueue interface {
	// Enqueue stores a job message and returns the transport-assigned job id.
	Enqueue(ctx context.Context, msg model.JobMessage) (string, error)
	// Receive leases the next available message, waiting up to maxWait.
	// Returns model.ErrNoJobsAvailable when the wait elapses with nothing to lease.
	Receive(ctx context.Context, maxWait time.Duration) (*model.Delivery, error)
	// Acknowledge permanently removes the leased message. Repeating it is harmless;
	// a token that is no longer held yields a StaleLease error.
	Acknowledge(ctx context.Context, lease model.LeaseToken) error
	// Abandon gives up the lease so the message is redelivered later.
	Abandon(ctx context.Context, lease model.LeaseToken) error
	// DeadLetter removes a message that can never be processed and keeps it for inspection.
	DeadLetter(ctx context.Context, delivery *model.Delivery, reason string) error
}

// ResultStore persists prediction results keyed by job id. Put is last-write-wins.
type ResultStore interface {
	Put(ctx context.Context, result *model.JobResult) error
	// Get returns a NotFound AppError when no result exists.
	Get(ctx context.Context, jobID string) (*model.JobResult, error)
}

// BlobStore stores images by key.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// Get returns a NotFound AppError for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// DetectRequest describes one detection run over a local image.
type DetectRequest struct {
	ImagePath string
	// OutputDir is a scratch directory the engine may write into.
	OutputDir string
	// RunName distinguishes concurrent runs sharing OutputDir.
	RunName string
}

// DetectResponse is the raw engine output: an annotated image on disk and one label line per object.
type DetectResponse struct {
	AnnotatedImagePath string
	LabelLines         []string
}

// DetectionEngine runs object detection over a local image file.
type DetectionEngine interface {
	Detect(ctx context.Context, req DetectRequest) (*DetectResponse, error)
}

// MessagingGateway sends text to a chat.
type MessagingGateway interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// FileDownloader fetches files users sent through the chat transport.
type FileDownloader interface {
	DownloadFile(ctx context.Context, fileID string) (*model.RemoteFile, error)
}

// CompletionNotifier signals that a result for jobID has been persisted.
type CompletionNotifier interface {
	NotifyCompleted(ctx context.Context, jobID string) error
}

// RetentionRepository removes aged pipeline rows in bounded batches. Each call deletes
// at most batchSize rows and reports how many it removed.
type RetentionRepository interface {
	DeleteOldResults(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	DeleteOldDeadLetters(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}
