package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mohmmad-amer/PolybotServiceDocker/config"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/amqpqueue"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/blobstore"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/callback"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/detector"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/detectworker"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/reaper"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/telegram"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/data"
	domainjob "github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/job"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/notify/pagerduty"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/notify/slack"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/statsd"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/service"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/service/failurenotifier"
)

const startupProbeTimeout = 10 * time.Second

// PipelineDeps carries the infrastructure the pipeline is built on.
type PipelineDeps struct {
	Config *config.AppConfig
	DB     *sql.DB
	Redis  redis.UniversalClient // Optional: enables the result cache
	Logger *slog.Logger
}

// Pipeline holds the components shared by the HTTP server and the background services.
type Pipeline struct {
	Metrics    statsd.Sink
	Alerts     *failurenotifier.Service
	Queue      core.WorkQueue
	Blobs      core.BlobStore
	Results    core.ResultStore
	Telegram   *telegram.Client                // nil without a bot token
	Dispatcher *service.NotificationDispatcher // nil without a bot token
	Submitter  *service.JobSubmitter
	Messages   service.MessageHandler // nil without a bot token

	closers []func() error
}

// Close releases connections opened while building the pipeline.
func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// BuildPipeline wires the storage, queue, messaging and service layers.
func BuildPipeline(ctx context.Context, deps PipelineDeps) (*Pipeline, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	if deps.DB == nil {
		return nil, errors.New("database connection is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	p := &Pipeline{}
	p.Metrics = buildMetrics(logger, cfg.Observability, p)
	p.Alerts = buildFailureNotifier(logger, cfg.Observability.Notifications)

	if err := p.build(ctx, deps, logger); err != nil {
		if closeErr := p.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(ctx context.Context, deps PipelineDeps, logger *slog.Logger) error {
	cfg := deps.Config

	queue, closeQueue, err := buildQueue(ctx, deps.DB, cfg.Queue, logger)
	if err != nil {
		return err
	}
	p.Queue = queue
	if closeQueue != nil {
		p.closers = append(p.closers, closeQueue)
	}

	blobs, err := buildBlobStore(ctx, cfg.Blob, logger)
	if err != nil {
		return err
	}
	p.Blobs = blobs

	p.Results = buildResultStore(deps.DB, deps.Redis, cfg.Results, cfg.Reaper.ResultsMaxAge, logger)

	p.Submitter, err = service.NewJobSubmitter(service.JobSubmitterOptions{
		Blobs:   p.Blobs,
		Queue:   p.Queue,
		Logger:  logger,
		Metrics: p.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create job submitter: %w", err)
	}

	if cfg.Telegram.Token == "" {
		logger.Warn("TELEGRAM_TOKEN not set; webhook and chat delivery disabled")
		return nil
	}
	return p.buildMessaging(ctx, cfg, logger)
}

func (p *Pipeline) buildMessaging(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	client, err := telegram.NewClient(telegram.Config{
		Token:   cfg.Telegram.Token,
		APIURL:  cfg.Telegram.APIURL,
		Timeout: cfg.Telegram.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create telegram client: %w", err)
	}
	p.Telegram = client

	p.Dispatcher, err = service.NewNotificationDispatcher(service.NotificationDispatcherOptions{
		Results: p.Results,
		Gateway: client,
		Config: service.DispatcherConfig{
			Mode:   cfg.Results.SummaryMode,
			Header: cfg.Results.Header,
		},
		Logger:  logger,
		Metrics: p.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create notification dispatcher: %w", err)
	}

	photos, err := service.NewPhotoHandler(client, p.Submitter, logger)
	if err != nil {
		return fmt.Errorf("create photo handler: %w", err)
	}
	text, err := service.NewTextHandler(client)
	if err != nil {
		return fmt.Errorf("create text handler: %w", err)
	}
	p.Messages = &service.MessageRouter{Photo: photos, Text: text}

	if cfg.IsHTTPServerEnabled() && cfg.Telegram.ShouldRegisterWebhook() {
		if err := client.RegisterWebhook(ctx, cfg.Telegram.AppURL); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
	}
	return nil
}

func buildMetrics(logger *slog.Logger, cfg config.ObservabilityConfig, p *Pipeline) statsd.Sink {
	if !cfg.Metrics.IsEnabled() {
		return nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  cfg.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return nil
	}
	p.closers = append(p.closers, client.Close)
	return client
}

//nolint:ireturn // the backend is selected at runtime.
func buildQueue(
	ctx context.Context,
	db *sql.DB,
	cfg config.QueueConfig,
	logger *slog.Logger,
) (core.WorkQueue, func() error, error) {
	switch cfg.Backend {
	case config.QueueBackendRabbitMQ:
		q, err := amqpqueue.Dial(ctx, amqpqueue.Config{
			URL:            cfg.AMQPURL,
			Queue:          cfg.Name,
			ConnectRetries: cfg.ConnectRetries,
			RetryDelay:     cfg.RetryDelay,
			PollInterval:   cfg.PollInterval,
			RequeueDelay:   cfg.RequeueDelay,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect work queue: %w", err)
		}
		logger.Info("work queue ready", "backend", cfg.Backend, "queue", cfg.Name)
		return q, q.Close, nil
	default:
		q, err := data.NewQueueRepo(db, data.QueueRepoConfig{
			Queue:             cfg.Name,
			VisibilityTimeout: cfg.VisibilityTimeout,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create work queue: %w", err)
		}
		logger.Info("work queue ready", "backend", config.QueueBackendPostgres, "queue", cfg.Name)
		return q, nil, nil
	}
}

func buildBlobStore(ctx context.Context, cfg config.BlobConfig, logger *slog.Logger) (*blobstore.Store, error) {
	store, err := blobstore.New(blobstore.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	if cfg.CreateBucket {
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
		}
	}
	return store, nil
}

//nolint:ireturn // the cache wrapper is optional.
func buildResultStore(
	db *sql.DB,
	client redis.UniversalClient,
	cfg config.ResultsConfig,
	retention time.Duration,
	logger *slog.Logger,
) core.ResultStore {
	repo := data.NewJobResultRepo(db)
	if client == nil || !cfg.CacheEnabled {
		return repo
	}
	logger.Info("result cache enabled", "ttl", cfg.CacheTTL, "max_age", retention)
	return core.NewCachedResultStore(core.CachedResultStoreOptions{
		Store:  repo,
		Cache:  data.NewRedisCacheRepo(client),
		TTL:    cfg.CacheTTL,
		MaxAge: retention,
		Logger: logger,
	})
}

//nolint:ireturn // the engine is selected at runtime.
func buildEngine(ctx context.Context, cfg config.DetectorConfig, logger *slog.Logger) (core.DetectionEngine, error) {
	if cfg.Engine == config.EngineHTTP {
		engine, err := detector.NewHTTPEngine(detector.HTTPConfig{
			URL:     cfg.HTTPURL,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create http detection engine: %w", err)
		}
		probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
		defer cancel()
		if err := engine.Health(probeCtx); err != nil {
			// Jobs are retried on failure; a slow-starting engine only logs here.
			logger.Warn("detection engine not ready", "url", cfg.HTTPURL, "error", err)
		}
		return engine, nil
	}
	return detector.NewExecEngine(detector.ExecConfig{
		Python:    cfg.Python,
		Script:    cfg.Script,
		Weights:   cfg.Weights,
		Dir:       cfg.Dir,
		ExtraArgs: cfg.ExtraArgs,
		Timeout:   cfg.Timeout,
		Logger:    logger,
	}), nil
}

func loadClassNames(path string, logger *slog.Logger) (*model.ClassNames, error) {
	if path == "" {
		return model.DefaultClassNames(), nil
	}
	names, err := model.LoadClassNames(path)
	if err != nil {
		return nil, err
	}
	logger.Info("class names loaded", "path", path, "count", names.Len())
	return names, nil
}

//nolint:ireturn // direct and callback notifiers share one port.
func buildNotifier(p *Pipeline, cfg config.DetectorConfig) (core.CompletionNotifier, error) {
	if cfg.Notifier == config.NotifierDirect {
		if p.Dispatcher == nil {
			return nil, errors.New("direct notification requires a telegram token")
		}
		return &service.DirectNotifier{Dispatcher: p.Dispatcher}, nil
	}
	client, err := callback.NewClient(callback.Config{
		ResultsURL: cfg.ResultsURL,
		Timeout:    cfg.CallbackTimeout,
		RetryLimit: cfg.CallbackRetryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create results callback: %w", err)
	}
	return client, nil
}

// NewDetectorRunner builds the detection worker on top of the pipeline.
func NewDetectorRunner(ctx context.Context, p *Pipeline, cfg *config.AppConfig, logger *slog.Logger) (*detectworker.Runner, error) {
	if p == nil || cfg == nil {
		return nil, errors.New("pipeline and config are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	engine, err := buildEngine(ctx, cfg.Detector, logger)
	if err != nil {
		return nil, err
	}
	names, err := loadClassNames(cfg.Detector.ClassesFile, logger)
	if err != nil {
		return nil, err
	}
	notifier, err := buildNotifier(p, cfg.Detector)
	if err != nil {
		return nil, err
	}

	processor, err := service.NewJobProcessor(service.JobProcessorOptions{
		Config: service.ProcessorConfig{
			ClassNames:         names,
			WorkDir:            cfg.Detector.WorkDir,
			AlertAfterAttempts: cfg.Observability.Notifications.AfterAttempts,
		},
		Ports: service.ProcessorPorts{
			Queue:    p.Queue,
			Blobs:    p.Blobs,
			Engine:   engine,
			Results:  p.Results,
			Notifier: notifier,
			Alerts:   alerter(p.Alerts),
		},
		Logger:  logger,
		Metrics: p.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create job processor: %w", err)
	}

	policy, err := domainjob.NewPollPolicy(cfg.Worker.Wait, cfg.Worker.IdleMin, cfg.Worker.IdleMax)
	if err != nil {
		return nil, fmt.Errorf("create poll policy: %w", err)
	}

	return detectworker.NewRunner(detectworker.RunnerOptions{
		Queue:       p.Queue,
		Processor:   processor,
		Policy:      policy,
		Concurrency: cfg.Worker.Concurrency,
		Logger:      logger,
		Metrics:     p.Metrics,
	})
}

// alerter keeps a notifier without sinks from reaching the processor.
//
//nolint:ireturn // a nil port disables alerts.
func alerter(svc *failurenotifier.Service) service.FailureAlerter {
	if !svc.Enabled() {
		return nil
	}
	return svc
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: logger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:     cfg.Slack.WebhookURL,
			Channel:        cfg.Slack.Channel,
			Username:       cfg.Slack.Username,
			Timeout:        cfg.Timeout,
			RetryLimit:     cfg.RetryLimit,
			ImageURLPrefix: cfg.Slack.ImageURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{Logger: logger, Sinks: sinks})
}

// ReaperDeps contains configuration for the retention reaper.
type ReaperDeps struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper starts the retention reaper and blocks until ctx is cancelled.
func RunReaper(ctx context.Context, deps ReaperDeps) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      deps.DB,
		Config:  deps.Config,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}
	return runner.Run(ctx)
}
