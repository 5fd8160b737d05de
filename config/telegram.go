package config

import (
	"strings"
	"time"
)

// TelegramConfig holds the bot credentials and webhook settings.
type TelegramConfig struct {
	Token string `env:"TELEGRAM_TOKEN"`

	// AppURL is the public base URL Telegram posts updates to; the webhook is
	// registered at <AppURL>/<token>/.
	AppURL string `env:"TELEGRAM_APP_URL"`

	// APIURL overrides the Bot API endpoint, mainly for local Bot API servers.
	APIURL string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`

	// RegisterWebhook calls setWebhook at startup when AppURL is set.
	RegisterWebhook bool `env:"TELEGRAM_REGISTER_WEBHOOK" envDefault:"true"`

	Timeout time.Duration `env:"TELEGRAM_TIMEOUT" envDefault:"10s"`
}

// Sanitize trims credentials and URLs.
func (t *TelegramConfig) Sanitize() {
	t.Token = strings.TrimSpace(t.Token)
	t.AppURL = strings.TrimRight(strings.TrimSpace(t.AppURL), "/")
	t.APIURL = strings.TrimRight(strings.TrimSpace(t.APIURL), "/")
	if t.Timeout <= 0 {
		t.Timeout = 10 * time.Second
	}
}

// ShouldRegisterWebhook reports whether startup should call setWebhook.
func (t *TelegramConfig) ShouldRegisterWebhook() bool {
	return t.RegisterWebhook && t.AppURL != "" && t.Token != ""
}
