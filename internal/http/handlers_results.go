package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/callback"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// ResultDeliverer sends a stored prediction to its chat.
type ResultDeliverer interface {
	Deliver(ctx context.Context, jobID string) error
}

// ResultHandlers serves the completion callback.
type ResultHandlers struct {
	Deliverer ResultDeliverer
	Logger    *slog.Logger
}

// Results handles POST /results?predictionId=<id>.
func (h *ResultHandlers) Results(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get(callback.QueryParam))
	if id == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_prediction_id",
			Message: callback.QueryParam + " is required",
		})
		return
	}

	err := h.Deliverer.Deliver(r.Context(), id)
	switch {
	case err == nil:
		WriteText(w, http.StatusOK, okResponse)
	case apperrors.IsNotFound(err):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Message: "Prediction ID not found"})
	default:
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.ErrorContext(r.Context(), "deliver result failed", "job_id", id, "error", err)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "internal_error", Message: "failed to deliver result"})
	}
}
