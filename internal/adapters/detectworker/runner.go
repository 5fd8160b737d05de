// Package detectworker runs the consumer loops that feed queued jobs to the processor.
package detectworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	domainjob "github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/job"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	obserrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/errors"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/metrics"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/statsd"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/service"
)

// Processor handles one leased delivery.
type Processor interface {
	Process(ctx context.Context, d *model.Delivery) service.Outcome
}

// RunnerOptions configures the consumer loops.
type RunnerOptions struct {
	Queue     core.WorkQueue
	Processor Processor
	Policy    *domainjob.PollPolicy

	Concurrency int // number of independent loops; defaults to 1
	Logger      *slog.Logger
	Metrics     statsd.Sink
}

// Runner polls the queue and processes deliveries until its context is cancelled.
type Runner struct {
	queue     core.WorkQueue
	processor Processor
	policy    *domainjob.PollPolicy
	workers   int
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewRunner validates opts and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("WorkQueue is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("Processor is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("PollPolicy is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		queue:     opts.Queue,
		processor: opts.Processor,
		policy:    opts.Policy,
		workers:   workers,
		logger:    logger.With("component", "detect_worker"),
		metrics:   opts.Metrics,
	}, nil
}

// Run starts the loops and blocks until ctx is cancelled and every in-flight job
// has finished. Jobs already received are processed on a context that ignores
// the cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting detect worker", "workers", r.workers, "wait", r.policy.Wait())

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		g.Go(func() error {
			r.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	r.logger.InfoContext(context.WithoutCancel(ctx), "detect worker stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, worker int) {
	log := r.logger.With("worker", worker)
	backoff := r.policy.NewBackoff()

	for ctx.Err() == nil {
		d, err := r.queue.Receive(ctx, r.policy.Wait())
		switch {
		case err == nil:
			backoff.Reset()
			metrics.EmitReceive(r.metrics, metrics.ResultSuccess, nil)
			out := r.process(context.WithoutCancel(ctx), log, d)
			log.DebugContext(ctx, "delivery processed", "message_id", d.MessageID, "state", string(out.State))
		case ctx.Err() != nil:
			return
		case errors.Is(err, model.ErrNoJobsAvailable):
			metrics.EmitReceive(r.metrics, metrics.ResultEmpty, nil)
			if !sleep(ctx, backoff.Next()) {
				return
			}
		default:
			metrics.EmitReceive(r.metrics, metrics.ResultError, err)
			delay := backoff.Next()
			log.WarnContext(ctx, "receive failed",
				"error", err,
				"error_class", obserrors.Classify(err),
				"retry_in", delay)
			if !sleep(ctx, delay) {
				return
			}
		}
	}
}

// process runs the processor on d. A panic is logged and the delivery abandoned
// so the loop keeps consuming.
func (r *Runner) process(ctx context.Context, log *slog.Logger, d *model.Delivery) (out service.Outcome) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		err := fmt.Errorf("processor panic: %v", rec)
		log.ErrorContext(ctx, "panic while processing delivery",
			"message_id", d.MessageID,
			"error", err,
			"stack", string(debug.Stack()))
		if abandonErr := r.queue.Abandon(ctx, d.Lease); abandonErr != nil {
			log.WarnContext(ctx, "abandon after panic failed", "message_id", d.MessageID, "error", abandonErr)
		}
		out = service.Outcome{State: model.JobStateAbandoned, Err: err}
	}()
	return r.processor.Process(ctx, d)
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
