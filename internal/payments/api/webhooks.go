package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventpay/internal/common/api"
	"eventpay/internal/gateway"
	"eventpay/internal/payments"
)

// DefaultMaxWebhookBytes bounds a single provider delivery
const DefaultMaxWebhookBytes = 1 << 20

// WebhookHandler receives provider notifications. Responses are plain
// {status, message} objects since providers only look at the status code.
type WebhookHandler struct {
	reconciler *payments.Reconciler
	maxBytes   int64
	logger     *slog.Logger
}

// NewWebhookHandler creates a webhook handler
func NewWebhookHandler(reconciler *payments.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, maxBytes: DefaultMaxWebhookBytes, logger: logger}
}

// Routes returns the webhook routes
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{gateway}", h.Receive)
	return r
}

// Receive handles POST /webhooks/{gateway}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "gateway")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		writeWebhook(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := h.reconciler.HandleWebhook(r.Context(), code, body, r.Header)
	if err != nil {
		status := webhookStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("webhook processing failed", "gateway", code, "error", err)
			writeWebhook(w, status, "internal error")
			return
		}
		h.logger.Warn("webhook rejected", "gateway", code, "error", err)
		writeWebhook(w, status, err.Error())
		return
	}

	api.WriteJSON(w, http.StatusOK, res)
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, payments.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnknownDriver):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeWebhook(w http.ResponseWriter, status int, message string) {
	api.WriteJSON(w, status, payments.WebhookResult{Status: payments.StatusError, Message: message})
}
