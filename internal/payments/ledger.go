package payments

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"eventpay/internal/payments/domain"
)

// ledger appends one row per gateway interaction.
// A failed append is logged and never changes the outcome reported to the caller.
type ledger struct {
	store  Store
	logger *slog.Logger
}

type entry struct {
	order       *domain.Order
	gatewayCode string
	txType      domain.TransactionType
	success     bool
	amountMinor int64
	externalID  string
	request     any
	response    json.RawMessage
	err         string
}

func (l *ledger) record(ctx context.Context, e entry) {
	tx := &domain.PaymentTransaction{
		ID:              ulid.Make().String(),
		OrderID:         e.order.ID,
		GatewayCode:     e.gatewayCode,
		TransactionType: e.txType,
		Status:          domain.TxFailed,
		AmountMinor:     e.amountMinor,
		Currency:        string(e.order.TotalAmount.Currency),
		ExternalID:      e.externalID,
		Response:        e.response,
		ErrorMessage:    e.err,
		RequestedBy:     CallerFromContext(ctx).Subject,
		CreatedAt:       time.Now().UTC(),
	}
	if e.success {
		tx.Status = domain.TxSuccess
	}
	if e.request != nil {
		if b, err := json.Marshal(e.request); err == nil {
			tx.Request = b
		}
	}

	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		l.logger.Error("failed to append payment transaction",
			"order_id", e.order.ID,
			"type", e.txType,
			"status", tx.Status,
			"error", err,
		)
	}
}
