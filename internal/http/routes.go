// Package httpx exposes the bot's webhook, completion callback and health endpoints.
package httpx

import (
	"log/slog"
	"net/http"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/telegram"
)

// RouterServices holds everything the HTTP router serves.
type RouterServices struct {
	// Token is the bot token; the webhook lives at /<token>/.
	Token string
	// Messages handles webhook updates. Webhook routes are omitted when nil.
	Messages MessageHandler
	// Results delivers completed predictions. /results is omitted when nil.
	Results ResultDeliverer
	// LoadTest mounts POST /loadTest/, which accepts updates without the token.
	LoadTest bool
	Logger   *slog.Logger
}

// NewRouter creates the HTTP handler with Recover and Logging middleware applied.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", indexHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("HEAD /healthz", healthHandler)

	if services.Messages != nil {
		webhook := &WebhookHandlers{Messages: services.Messages, Logger: logger.With("component", "webhook")}
		if services.Token != "" {
			mux.HandleFunc("POST "+telegram.WebhookPath(services.Token), webhook.Update)
		}
		if services.LoadTest {
			mux.HandleFunc("POST /loadTest/", webhook.Update)
		}
	}
	if services.Results != nil {
		results := &ResultHandlers{Deliverer: services.Results, Logger: logger.With("component", "results")}
		mux.HandleFunc("POST /results", results.Results)
	}

	var h http.Handler = mux
	h = Logging(logger, tokenRedactor(services.Token))(h)
	h = Recover(logger)(h)
	return h
}
