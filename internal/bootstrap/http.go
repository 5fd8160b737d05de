package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/config"
	httpx "github.com/Mohmmad-amer/PolybotServiceDocker/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Pipeline *Pipeline
	Logger   *slog.Logger
	// ErrCh receives listener failures; optional.
	ErrCh chan<- error
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	server := newHTTPServer(appCfg.HTTP, buildHTTPHandler(appCfg, cfg.Pipeline, logger))
	go serve(server, appCfg.HTTP, logger, cfg.ErrCh)
	return server
}

func routerServices(appCfg *config.AppConfig, p *Pipeline, logger *slog.Logger) httpx.RouterServices {
	services := httpx.RouterServices{
		Token:    appCfg.Telegram.Token,
		LoadTest: appCfg.HTTP.LoadTest,
		Logger:   logger,
	}
	if p == nil {
		return services
	}
	// Typed nils must not reach the router's nil checks.
	if p.Messages != nil {
		services.Messages = p.Messages
	}
	if p.Dispatcher != nil {
		services.Results = p.Dispatcher
	}
	return services
}

func buildHTTPHandler(appCfg *config.AppConfig, p *Pipeline, logger *slog.Logger) http.Handler {
	return httpx.NewRouter(routerServices(appCfg, p, logger))
}

func newHTTPServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	addr := cfg.Addr
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8443"
	}
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 120*time.Second),
	}
}

func serve(server *http.Server, cfg config.HTTPConfig, logger *slog.Logger, errCh chan<- error) {
	logger.Info("starting HTTP server", "addr", server.Addr, "tls", cfg.TLSEnabled())

	var err error
	if cfg.TLSEnabled() {
		err = server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		err = server.ListenAndServe()
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}

	logger.Error("HTTP server failed", "error", err)
	if errCh == nil {
		return
	}
	select {
	case errCh <- err:
	default:
	}
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	parent := cfg.Context
	if parent == nil {
		parent = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}

	return nil
}
