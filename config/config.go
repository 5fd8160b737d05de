package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - http.go: HTTP server configuration
//   - telegram.go: Bot API credentials and webhook registration
//   - storage.go: Object store configuration
//   - pipeline.go: Queue, detector, worker and result delivery configuration
//   - services.go: Service mode and reaper configuration
type AppConfig struct {
	// IsDev controls development mode behavior (text logs, debug level).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http,detector"`

	Telegram TelegramConfig
	Blob     BlobConfig
	Queue    QueueConfig
	Detector DetectorConfig
	Worker   WorkerConfig
	Results  ResultsConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Telegram.Sanitize()
	c.Blob.Sanitize()
	c.Queue.Sanitize()
	c.Detector.Sanitize()
	c.Worker.Sanitize()
	c.Results.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks APP_ENV as a fallback for DEV.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// Validate reports settings that are required by the enabled services.
// It assumes Sanitize has already run.
func (c *AppConfig) Validate() error {
	services, err := c.GetEnabledServices()
	if err != nil {
		return err
	}

	var errs []error
	if services[ServiceModeHTTP] {
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("TELEGRAM_TOKEN is required for the http service"))
		}
		if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
			errs = append(errs, errors.New("HTTP_TLS_CERT_FILE and HTTP_TLS_KEY_FILE must be set together"))
		}
	}
	if services[ServiceModeDetector] {
		if c.Detector.Notifier == NotifierDirect && c.Telegram.Token == "" {
			errs = append(errs, errors.New("TELEGRAM_TOKEN is required for direct notification"))
		}
		if c.Detector.Notifier == NotifierCallback && c.Detector.ResultsURL == "" {
			errs = append(errs, errors.New("DETECTOR_RESULTS_URL is required for callback notification"))
		}
		if c.Detector.Engine == EngineHTTP && c.Detector.HTTPURL == "" {
			errs = append(errs, errors.New("DETECTOR_HTTP_URL is required for the http engine"))
		}
	}
	if services[ServiceModeHTTP] || services[ServiceModeDetector] {
		if c.Blob.Endpoint == "" {
			errs = append(errs, errors.New("BLOB_ENDPOINT is required"))
		}
		if c.Queue.Backend == QueueBackendRabbitMQ && c.Queue.AMQPURL == "" {
			errs = append(errs, errors.New("QUEUE_AMQP_URL is required for the rabbitmq backend"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.isEnabled(ServiceModeHTTP)
}

// IsDetectorEnabled returns true if the detection worker service is enabled.
func (c *AppConfig) IsDetectorEnabled() bool {
	return c.isEnabled(ServiceModeDetector)
}

// IsReaperEnabled returns true if the retention reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.isEnabled(ServiceModeReaper)
}

func (c *AppConfig) isEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
