// Package reaper runs the retention reaper against the Postgres tables.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mohmmad-amer/PolybotServiceDocker/config"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/data"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/statsd"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/service"
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	// Repo overrides the Postgres repository, mainly for tests.
	Repo    core.RetentionRepository
	Metrics statsd.Sink
}

// Runner wires the reaper service to its repository.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	repo := opts.Repo
	if repo == nil {
		if opts.DB == nil {
			return nil, errors.New("database connection is required")
		}
		repo = data.NewRetentionRepo(opts.DB, nil)
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    repo,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single cleanup pass, for one-off invocations from the admin CLI.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.reaper.RunOnce(ctx)
}
