package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	obserrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/errors"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/metrics"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/statsd"
)

// DispatcherConfig controls how results are rendered.
type DispatcherConfig struct {
	Mode model.SummaryMode
	// Header, when set, is placed on its own line above the summary.
	Header string
}

// NotificationDispatcherOptions groups dependencies for NotificationDispatcher.
type NotificationDispatcherOptions struct {
	Results core.ResultStore      // Required
	Gateway core.MessagingGateway // Required
	Config  DispatcherConfig
	Logger  *slog.Logger // Optional
	Metrics statsd.Sink  // Optional
}

// NotificationDispatcher sends a stored result to the chat that requested it.
type NotificationDispatcher struct {
	results core.ResultStore
	gateway core.MessagingGateway
	cfg     DispatcherConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewNotificationDispatcher constructs a NotificationDispatcher.
func NewNotificationDispatcher(opts NotificationDispatcherOptions) (*NotificationDispatcher, error) {
	if opts.Results == nil {
		return nil, errors.New("ResultStore is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("MessagingGateway is required")
	}
	cfg := opts.Config
	if cfg.Mode == "" {
		cfg.Mode = model.SummaryModeList
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationDispatcher{
		results: opts.Results,
		gateway: opts.Gateway,
		cfg:     cfg,
		logger:  logger.With("component", "notification_dispatcher"),
		metrics: opts.Metrics,
	}, nil
}

// Deliver loads the result for jobID and sends its summary. A missing result is
// returned as a NotFound error. Send failures are logged and do not fail the call;
// repeated calls resend the same text.
func (d *NotificationDispatcher) Deliver(ctx context.Context, jobID string) error {
	res, err := d.results.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load result %s: %w", jobID, err)
	}

	text := d.Render(res)
	if sendErr := d.gateway.SendText(ctx, res.ChatID, text); sendErr != nil {
		d.logger.WarnContext(ctx, "send result failed",
			"job_id", jobID,
			"chat_id", res.ChatID,
			"error", sendErr,
			"error_class", obserrors.Classify(sendErr))
		metrics.EmitDelivery(d.metrics, sendErr)
		return nil
	}

	d.logger.InfoContext(ctx, "result delivered", "job_id", jobID, "chat_id", res.ChatID, "detections", len(res.Detections))
	metrics.EmitDelivery(d.metrics, nil)
	return nil
}

// Render returns the text Deliver would send for res.
func (d *NotificationDispatcher) Render(res *model.JobResult) string {
	summary := res.Summary(d.cfg.Mode)
	if d.cfg.Header == "" {
		return summary
	}
	return strings.TrimRight(d.cfg.Header+"\n"+summary, "\n")
}

// DirectNotifier completes jobs by delivering in-process, for deployments where
// the processor and dispatcher share a binary.
type DirectNotifier struct {
	Dispatcher *NotificationDispatcher
}

var _ core.CompletionNotifier = (*DirectNotifier)(nil)

// NotifyCompleted implements core.CompletionNotifier.
func (n *DirectNotifier) NotifyCompleted(ctx context.Context, jobID string) error {
	if n == nil || n.Dispatcher == nil {
		return errors.New("dispatcher is not configured")
	}
	return n.Dispatcher.Deliver(ctx, jobID)
}
