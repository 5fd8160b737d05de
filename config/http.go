package config

import (
	"strings"
	"time"
)

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8443"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set. Telegram only
	// delivers webhooks over TLS, so production deployments either set these or
	// terminate TLS in front of the service.
	TLSCertFile string `env:"HTTP_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"HTTP_TLS_KEY_FILE"`

	// LoadTest exposes POST /loadTest/, an unauthenticated copy of the webhook.
	LoadTest bool `env:"HTTP_LOAD_TEST_ENABLED" envDefault:"false"`

	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT"  envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT"  envDefault:"120s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	h.TLSCertFile = strings.TrimSpace(h.TLSCertFile)
	h.TLSKeyFile = strings.TrimSpace(h.TLSKeyFile)
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = 30 * time.Second
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = 30 * time.Second
	}
	if h.IdleTimeout <= 0 {
		h.IdleTimeout = 120 * time.Second
	}
}

// TLSEnabled reports whether the server should listen with TLS.
func (h *HTTPConfig) TLSEnabled() bool {
	return h.TLSCertFile != "" && h.TLSKeyFile != ""
}
