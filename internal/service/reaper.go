package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/config"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/metrics"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.RetentionRepository // Required
	Config  config.ReaperConfig      // Required
	Logger  *slog.Logger             // Optional
	Metrics statsd.Sink              // Optional
}

// ReaperService deletes prediction results that can no longer be requested and
// dead letters that have been kept long enough for inspection.
type ReaperService struct {
	repo    core.RetentionRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("RetentionRepository is required")
	}
	if opts.Config.Interval <= 0 || opts.Config.BatchSize <= 0 {
		return nil, errors.New("reaper interval and batch size must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger.With("component", "reaper_service"),
		metrics: opts.Metrics,
	}, nil
}

// Run performs a cleanup pass right away and then once per interval until ctx is cancelled.
// Returns nil on graceful shutdown.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service",
		"interval", s.config.Interval,
		"results_max_age", s.config.ResultsMaxAge,
		"dead_letters_max_age", s.config.DeadLettersMaxAge)

	// Spread replicas that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(ctx, err)
			}
		}
	}
}

// waitWithJitter sleeps a random delay of up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

type cleanupStep struct {
	operation string
	maxAge    time.Duration
	fn        func(context.Context, time.Duration, int) (int64, error)
}

// RunOnce runs every cleanup step once, draining each in batches. A failing step
// does not stop the others; their errors are joined.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	steps := []cleanupStep{
		{operation: "delete_results", maxAge: s.config.ResultsMaxAge, fn: s.repo.DeleteOldResults},
		{operation: "delete_dead_letters", maxAge: s.config.DeadLettersMaxAge, fn: s.repo.DeleteOldDeadLetters},
	}

	start := time.Now()
	var errs []error
	for _, step := range steps {
		removed, err := s.drain(ctx, step)
		metrics.EmitCleanup(s.metrics, step.operation, removed, suppressContextCancellation(err))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.operation, err))
			continue
		}
		if removed > 0 {
			s.logger.InfoContext(ctx, "retention cleanup removed rows",
				"operation", step.operation,
				"count", removed,
				"max_age", step.maxAge)
		}
	}
	if s.metrics != nil {
		s.metrics.Timing("reaper.cleanup_duration", time.Since(start), nil)
	}
	return errors.Join(errs...)
}

// drain repeats one step until a batch comes back empty.
func (s *ReaperService) drain(ctx context.Context, step cleanupStep) (int64, error) {
	if step.maxAge <= 0 {
		return 0, nil
	}
	var total int64
	for {
		count, err := step.fn(ctx, step.maxAge, s.config.BatchSize)
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *ReaperService) logCleanupError(ctx context.Context, err error) {
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, "cleanup cancelled", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "cleanup failed", "error", err)
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
