package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
	obserrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/errors"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/metrics"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/notify"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/statsd"
)

// Clock supplies the completion timestamp of results.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ProcessorConfig is fixed at construction and never mutated afterwards.
type ProcessorConfig struct {
	ClassNames *model.ClassNames // Required: class index table for label parsing
	WorkDir    string            // Optional: scratch root, defaults to os.TempDir()
	// AlertAfterAttempts raises a failure alert once a failing delivery has been
	// received this many times. Zero limits alerts to dead letters.
	AlertAfterAttempts int
}

// FailureAlerter receives alerts for jobs that keep failing or were dead-lettered.
type FailureAlerter interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
}

// ProcessorPorts bundles the collaborators a processor drives.
type ProcessorPorts struct {
	Queue    core.WorkQueue          // Required
	Blobs    core.BlobStore          // Required
	Engine   core.DetectionEngine    // Required
	Results  core.ResultStore        // Required
	Notifier core.CompletionNotifier // Optional: skipped when nil
	Alerts   FailureAlerter          // Optional
}

// JobProcessorOptions groups dependencies for JobProcessor.
type JobProcessorOptions struct {
	Config  ProcessorConfig
	Ports   ProcessorPorts
	Logger  *slog.Logger // Optional
	Clock   Clock        // Optional: defaults to wall clock
	Metrics statsd.Sink  // Optional
}

// Outcome is the terminal state of one processing attempt.
type Outcome struct {
	State model.JobState
	Err   error
}

// JobProcessor turns one leased delivery into a persisted result and a completion signal.
type JobProcessor struct {
	cfg     ProcessorConfig
	ports   ProcessorPorts
	logger  *slog.Logger
	clock   Clock
	metrics statsd.Sink
}

// NewJobProcessor constructs a JobProcessor.
func NewJobProcessor(opts JobProcessorOptions) (*JobProcessor, error) {
	switch {
	case opts.Config.ClassNames == nil || opts.Config.ClassNames.Len() == 0:
		return nil, errors.New("ClassNames is required")
	case opts.Ports.Queue == nil:
		return nil, errors.New("WorkQueue is required")
	case opts.Ports.Blobs == nil:
		return nil, errors.New("BlobStore is required")
	case opts.Ports.Engine == nil:
		return nil, errors.New("DetectionEngine is required")
	case opts.Ports.Results == nil:
		return nil, errors.New("ResultStore is required")
	}

	cfg := opts.Config
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}

	return &JobProcessor{
		cfg:     cfg,
		ports:   opts.Ports,
		logger:  logger.With("component", "job_processor"),
		clock:   clock,
		metrics: opts.Metrics,
	}, nil
}

// Process runs a delivery to a terminal state. It never panics on port failures;
// any error is logged, reported in the Outcome and leaves the message for redelivery
// unless the body itself is unusable.
func (p *JobProcessor) Process(ctx context.Context, d *model.Delivery) Outcome {
	start := time.Now()
	out := p.process(ctx, d)
	metrics.EmitJobOutcome(p.metrics, metrics.JobMetric{
		State:    string(out.State),
		Duration: time.Since(start),
		Err:      out.Err,
	})
	return out
}

func (p *JobProcessor) process(ctx context.Context, d *model.Delivery) Outcome {
	if d == nil {
		return Outcome{State: model.JobStateAbandoned, Err: apperrors.Internal("nil delivery")}
	}

	job, err := d.Job()
	if err != nil {
		return p.deadLetter(ctx, d, err)
	}

	log := p.logger.With("job_id", job.ID, "chat_id", job.ChatID, "receive_count", d.ReceiveCount)
	log.DebugContext(ctx, "job received", "image_key", job.ImageKey)

	// Keyed by lease as well: an expired lease may still be running next to its redelivery.
	dir := filepath.Join(p.cfg.WorkDir, safeDirName(job.ID)+"."+safeDirName(string(d.Lease)))
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.WarnContext(ctx, "remove work dir failed", "dir", dir, "error", rmErr)
		}
	}()

	state := model.JobStateReceived
	result, err := p.run(ctx, job, dir, &state)
	if err != nil {
		return p.abandon(ctx, log, d, job, state, err)
	}

	if err := p.ports.Queue.Acknowledge(ctx, d.Lease); err != nil {
		log.WarnContext(ctx, "acknowledge failed",
			"state", string(state),
			"error", err,
			"error_class", obserrors.Classify(err))
		return Outcome{State: model.JobStateAbandoned, Err: fmt.Errorf("acknowledge: %w", err)}
	}

	log.InfoContext(ctx, "job completed",
		"state", string(model.JobStateAcknowledged),
		"detections", len(result.Detections),
		"annotated_key", result.AnnotatedImageKey)
	return Outcome{State: model.JobStateAcknowledged}
}

// run performs every step up to and including the completion signal; state tracks
// the last step that succeeded.
func (p *JobProcessor) run(ctx context.Context, job model.Job, dir string, state *model.JobState) (*model.JobResult, error) {
	imagePath, err := p.fetch(ctx, job, dir)
	if err != nil {
		return nil, err
	}
	*state = model.JobStateImageFetched

	resp, err := p.ports.Engine.Detect(ctx, core.DetectRequest{
		ImagePath: imagePath,
		OutputDir: dir,
		RunName:   safeDirName(job.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	detections, err := model.ParseLabels(resp.LabelLines, p.cfg.ClassNames)
	if err != nil {
		return nil, apperrors.Detection(err, "unparseable engine output")
	}
	*state = model.JobStateDetected

	annotatedKey := model.AnnotatedKey(job.ImageKey)
	if err := p.upload(ctx, resp.AnnotatedImagePath, annotatedKey); err != nil {
		return nil, err
	}

	result := &model.JobResult{
		JobID:             job.ID,
		ChatID:            job.ChatID,
		SourceImageKey:    job.ImageKey,
		AnnotatedImageKey: annotatedKey,
		Detections:        detections,
		CompletedAt:       p.clock.Now().UTC(),
	}
	if err := p.ports.Results.Put(ctx, result); err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	*state = model.JobStatePersisted

	if p.ports.Notifier != nil {
		if err := p.ports.Notifier.NotifyCompleted(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("notify completion: %w", err)
		}
	}
	return result, nil
}

func (p *JobProcessor) fetch(ctx context.Context, job model.Job, dir string) (string, error) {
	data, err := p.ports.Blobs.Get(ctx, job.ImageKey)
	if err != nil {
		return "", fmt.Errorf("fetch image %s: %w", job.ImageKey, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "create work dir")
	}
	name := path.Base(job.ImageKey)
	if name == "." || name == "/" {
		name = "image"
	}
	imagePath := filepath.Join(dir, name)
	if err := os.WriteFile(imagePath, data, 0o600); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "write image")
	}
	return imagePath, nil
}

func (p *JobProcessor) upload(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return apperrors.Detection(err, "annotated image missing")
	}
	if err := p.ports.Blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentTypeFor(key)); err != nil {
		return fmt.Errorf("upload annotated image %s: %w", key, err)
	}
	return nil
}

func (p *JobProcessor) abandon(ctx context.Context, log *slog.Logger, d *model.Delivery, job model.Job, reached model.JobState, cause error) Outcome {
	log.ErrorContext(ctx, "job failed",
		"state", string(reached),
		"error", cause,
		"error_class", obserrors.Classify(cause))
	if err := p.ports.Queue.Abandon(ctx, d.Lease); err != nil {
		log.WarnContext(ctx, "abandon failed", "error", err)
	}
	if threshold := p.cfg.AlertAfterAttempts; threshold > 0 && d.ReceiveCount >= threshold {
		p.alert(ctx, notify.JobFailurePayload{
			JobID:    job.ID,
			ChatID:   job.ChatID,
			ImageKey: job.ImageKey,
			Stage:    string(reached),
			Attempts: d.ReceiveCount,
		}, cause)
	}
	return Outcome{State: model.JobStateAbandoned, Err: cause}
}

func (p *JobProcessor) deadLetter(ctx context.Context, d *model.Delivery, cause error) Outcome {
	log := p.logger.With("job_id", d.MessageID, "receive_count", d.ReceiveCount)
	log.ErrorContext(ctx, "malformed job",
		"state", string(model.JobStateDeadLettered),
		"error", cause,
		"error_class", obserrors.Classify(cause),
		"field", apperrors.GetField(cause))
	if err := p.ports.Queue.DeadLetter(ctx, d, cause.Error()); err != nil {
		log.ErrorContext(ctx, "dead-letter failed", "error", err, "error_class", obserrors.Classify(err))
		return Outcome{State: model.JobStateAbandoned, Err: fmt.Errorf("dead-letter: %w", err)}
	}
	p.alert(ctx, notify.JobFailurePayload{
		JobID:      d.MessageID,
		Stage:      string(model.JobStateReceived),
		Attempts:   d.ReceiveCount,
		DeadLetter: true,
	}, cause)
	return Outcome{State: model.JobStateDeadLettered, Err: cause}
}

func (p *JobProcessor) alert(ctx context.Context, payload notify.JobFailurePayload, cause error) {
	if p.ports.Alerts == nil {
		return
	}
	payload.Error = cause.Error()
	payload.ErrorClass = obserrors.Classify(cause)
	payload.OccurredAt = p.clock.Now().UTC()
	p.ports.Alerts.NotifyJobFailure(ctx, payload)
}

// safeDirName keeps job ids from escaping the work dir.
func safeDirName(id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
	if clean == "" {
		return "job"
	}
	return clean
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(key))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
