package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/config"
)

// ServiceOrchestrationConfig carries what the enabled services run on.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Pipeline *Pipeline
	DB       *sql.DB
	Logger   *slog.Logger
}

// shutdownWaitTimeout bounds how long each service gets to stop.
const shutdownWaitTimeout = 15 * time.Second

// serviceStartupDeps is shared by every background launch.
type serviceStartupDeps struct {
	ctx             context.Context
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := descriptor.start(ctx)
		if err == nil {
			return
		}
		err = fmt.Errorf("%s failed: %w", descriptor.name, err)
		select {
		case deps.errCh <- err:
		case <-ctx.Done():
		default:
			logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", err)
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	var handles []backgroundServiceHandle
	for _, svc := range services {
		if done := launchBackground(deps.ctx, deps, svc); done != nil {
			handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
		}
	}
	return handles
}

// pipelineServices lists the long-running services besides HTTP. The detector
// drains the work queue; the reaper prunes old queue rows and results.
func pipelineServices(cfg *ServiceOrchestrationConfig, logger *slog.Logger) []backgroundService {
	return []backgroundService{
		{
			mode: config.ServiceModeDetector,
			name: "detector",
			start: func(ctx context.Context) error {
				runner, err := NewDetectorRunner(ctx, cfg.Pipeline, cfg.Config, logger)
				if err != nil {
					return fmt.Errorf("create detector runner: %w", err)
				}
				return runner.Run(ctx)
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "reaper",
			start: func(ctx context.Context) error {
				deps := ReaperDeps{DB: cfg.DB, Logger: logger, Config: cfg.Config.Reaper}
				if cfg.Pipeline != nil {
					deps.Metrics = cfg.Pipeline.Metrics
				}
				return RunReaper(ctx, deps)
			},
		},
	}
}

// RunServicesWithShutdown starts every enabled service and blocks until SIGINT,
// SIGTERM or the first service error, then stops them all.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}

	var srv *http.Server
	if enabledServices[config.ServiceModeHTTP] {
		srv = StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Pipeline: cfg.Pipeline,
			Logger:   logger,
			ErrCh:    errCh,
		})
	}
	backgrounds := startBackgroundServices(deps, pipelineServices(cfg, logger))

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  srv,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig holds what waitForShutdown stops.
type shutdownConfig struct {
	cancel context.CancelFunc
	errCh  <-chan error
	// signals replaces the OS signal channel in tests.
	signals     <-chan os.Signal
	httpServer  *http.Server
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := cfg.signals
	if quit == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		quit = ch
	}

	var cause error
	select {
	case sig := <-quit:
		cfg.logger.Info("shutting down services", "signal", sig.String())
	case cause = <-cfg.errCh:
		cfg.logger.Error("service error", "error", cause)
	}

	cfg.cancel()
	stopErr := gracefulStop(cfg)
	if cause == nil {
		return stopErr
	}
	if stopErr != nil {
		cfg.logger.Error("graceful stop failed", "error", stopErr)
	}
	return cause
}

// gracefulStop shuts the HTTP server down, then waits for each background service.
func gracefulStop(cfg shutdownConfig) error {
	var httpErr error
	if cfg.httpServer != nil {
		// The service context is already cancelled, so shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		httpErr = ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		})
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return httpErr
}

func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	timer := time.NewTimer(shutdownWaitTimeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info("service stopped", "service", name)
	case <-timer.C:
		logger.Warn("timed out waiting for service to stop", "service", name)
	}
}
