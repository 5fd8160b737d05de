package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/telegram"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	obserrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/errors"
)

// maxUpdateBytes bounds webhook bodies; updates are small JSON documents.
const maxUpdateBytes = 1 << 20

// MessageHandler reacts to one inbound chat message.
type MessageHandler interface {
	Handle(ctx context.Context, msg model.ChatMessage) error
}

// WebhookHandlers accepts chat updates. The chat transport retries any non-2xx
// response, so every update is answered with 200 and failures are only logged.
type WebhookHandlers struct {
	Messages MessageHandler
	Logger   *slog.Logger
}

// Update handles POST /<token>/ and POST /loadTest/.
func (h *WebhookHandlers) Update(w http.ResponseWriter, r *http.Request) {
	defer WriteText(w, http.StatusOK, okResponse)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		h.logger().WarnContext(r.Context(), "read update failed", "error", err)
		return
	}
	msg, ok, err := telegram.ParseUpdate(body)
	if err != nil {
		h.logger().WarnContext(r.Context(), "undecodable update", "error", err)
		return
	}
	if !ok {
		return
	}
	if err := h.Messages.Handle(r.Context(), msg); err != nil {
		h.logger().ErrorContext(r.Context(), "handle message failed",
			"chat_id", msg.ChatID,
			"message_id", msg.MessageID,
			"error", err,
			"error_class", obserrors.Classify(err))
	}
}

func (h *WebhookHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
