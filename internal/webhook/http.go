package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"paycore/internal/common/api"
)

const maxPayloadBytes = 1 << 20

// Handler exposes a Dispatcher over HTTP.
type Handler struct {
	dispatcher *Dispatcher
	header     string
	logger     *slog.Logger
}

// NewHandler creates an HTTP handler reading the signature from header.
func NewHandler(d *Dispatcher, header string, logger *slog.Logger) *Handler {
	if header == "" {
		header = "X-Signature"
	}
	return &Handler{dispatcher: d, header: header, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		api.BadRequest(w, "Unreadable body")
		return
	}

	err = h.dispatcher.HandleWebhook(r.Context(), payload, r.Header.Get(h.header))
	switch {
	case err == nil:
		api.WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ErrInvalidSignature):
		api.Unauthorized(w, "Invalid signature")
	case errors.Is(err, ErrMalformedPayload):
		api.BadRequest(w, err.Error())
	case errors.Is(err, ErrUnhandledEvent):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeUnhandledEvent, err.Error())
	default:
		h.logger.Error("webhook handling failed", "error", err)
		api.PaymentError(w, err)
	}
}
