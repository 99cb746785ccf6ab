package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventpay/internal/common/api"
	"eventpay/internal/common/middleware"
	"eventpay/internal/payments"
	"eventpay/internal/payments/domain"
	"eventpay/internal/payments/store"
)

// RoleAdmin may refund orders and retry settlements
const RoleAdmin = "admin"

// Handler handles orchestrator HTTP requests
type Handler struct {
	service *payments.Service
	logger  *slog.Logger
}

// NewHandler creates a new payments handler
func NewHandler(service *payments.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the orchestrator routes. Mutating routes pass through
// idempotency when it is configured.
func (h *Handler) Routes(idempotency func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(withCaller)

	r.Get("/orders/{id}", h.GetOrder)
	r.Get("/orders/{id}/status", h.CheckStatus)
	r.Get("/orders/{id}/transactions", h.ListTransactions)

	r.Group(func(r chi.Router) {
		if idempotency != nil {
			r.Use(idempotency)
		}
		r.Post("/orders/{id}/initiate", h.Initiate)
		r.Post("/orders/{id}/cancel", h.Cancel)

		// Admin routes
		r.With(middleware.RequireRole(RoleAdmin)).Post("/orders/{id}/refund", h.Refund)
		r.With(middleware.RequireRole(RoleAdmin)).Post("/orders/{id}/settlement/retry", h.RetrySettlement)
	})

	return r
}

// withCaller turns the authenticated identity into the caller recorded on ledger rows
func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := middleware.GetIdentity(r.Context()); ok {
			ctx := payments.WithCaller(r.Context(), payments.Caller{Subject: id.Subject, Role: id.Role})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// Initiate handles POST /orders/{id}/initiate
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	res := h.service.InitiatePayment(r.Context(), chi.URLParam(r, "id"))
	writeResult(w, res, res.Success, res.Code, res.Error)
}

// CheckStatus handles GET /orders/{id}/status
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	res := h.service.CheckPaymentStatus(r.Context(), chi.URLParam(r, "id"))
	writeResult(w, res, res.Success, res.Code, res.Error)
}

// RefundRequest is the API request for refunding an order
type RefundRequest struct {
	// AmountMinor defaults to the order total when omitted.
	AmountMinor int64 `json:"amount_minor" validate:"gte=0"`
}

// Refund handles POST /orders/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res := h.service.Refund(r.Context(), chi.URLParam(r, "id"), req.AmountMinor)
	writeResult(w, res, res.Success, res.Code, res.Error)
}

// Cancel handles POST /orders/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	res := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	writeResult(w, res, res.Success, res.Code, res.Error)
}

// GetOrder handles GET /orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// ListTransactions handles GET /orders/{id}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter := store.TransactionFilter{
		OrderID: chi.URLParam(r, "id"),
		Limit:   api.QueryInt(r, "limit", 100, 500),
		Offset:  api.QueryInt(r, "offset", 0, 0),
	}

	if v := r.URL.Query().Get("type"); v != "" {
		switch t := domain.TransactionType(v); t {
		case domain.TxPayment, domain.TxStatusCheck, domain.TxRefund, domain.TxCancel, domain.TxTransfer:
			filter.Type = t
		default:
			api.BadRequest(w, "unknown transaction type "+v)
			return
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		switch s := domain.TransactionStatus(v); s {
		case domain.TxSuccess, domain.TxFailed:
			filter.Status = s
		default:
			api.BadRequest(w, "unknown transaction status "+v)
			return
		}
	}

	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*domain.PaymentTransaction{}
	}
	api.WriteData(w, http.StatusOK, txs)
}

// RetrySettlement handles POST /orders/{id}/settlement/retry
func (h *Handler) RetrySettlement(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RetrySettlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil && report == nil {
		h.writeError(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("settlement retry finished with error", "order_id", report.OrderID, "error", err)
	}
	api.WriteData(w, http.StatusOK, report)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrOrderNotFound):
		api.NotFound(w, "order not found")
	case errors.Is(err, payments.ErrInvalidState):
		api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidState, err.Error())
	default:
		h.logger.Error("payments request failed", "error", err)
		api.InternalError(w, "internal error")
	}
}

// writeResult writes a structured orchestrator result. Failed results keep
// their payload so callers still see the provider's answer.
func writeResult[T any](w http.ResponseWriter, res T, success bool, code, message string) {
	if success {
		api.WriteData(w, http.StatusOK, res)
		return
	}
	api.WriteFailure(w, statusFor(code), code, message, res)
}

func statusFor(code string) int {
	switch code {
	case payments.CodeOrderNotFound:
		return http.StatusNotFound
	case payments.CodeInvalidState:
		return http.StatusConflict
	case payments.CodeInvalidAmount:
		return http.StatusUnprocessableEntity
	case payments.CodeGatewayError:
		return http.StatusBadGateway
	case payments.CodeGatewayUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
