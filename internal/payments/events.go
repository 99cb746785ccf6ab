package payments

import (
	"context"
	"log/slog"
	"time"

	"eventpay/internal/common/events"
	"eventpay/internal/common/middleware"
	"eventpay/internal/gateway"
	"eventpay/internal/payments/domain"
)

// ReceiptRequester asks the receipt renderer for a receipt
type ReceiptRequester interface {
	RequestReceipt(ctx context.Context, order *domain.Order) error
}

// Mailer asks the mailer to send the order confirmation
type Mailer interface {
	SendConfirmation(ctx context.Context, order *domain.Order) error
}

// Notifier publishes payment lifecycle events. Receipt rendering and email
// delivery live outside this service and consume the request events.
// A nil publisher turns every method into a no-op.
type Notifier struct {
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewNotifier creates a notifier
func NewNotifier(publisher events.EventPublisher, logger *slog.Logger) *Notifier {
	return &Notifier{publisher: publisher, logger: logger}
}

func (n *Notifier) publish(ctx context.Context, eventType, aggregateType, aggregateID string, data any) error {
	if n == nil || n.publisher == nil {
		return nil
	}
	event, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		return err
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	return n.publisher.Publish(ctx, event)
}

// OrderPaid announces a confirmed payment
func (n *Notifier) OrderPaid(ctx context.Context, order *domain.Order) error {
	paidAt := time.Now().UTC()
	if order.PaidAt != nil {
		paidAt = *order.PaidAt
	}
	return n.publish(ctx, events.EventOrderPaid, events.AggregateOrder, order.ID, events.OrderPaidData{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		AmountMinor:      order.TotalAmount.AmountMinor,
		Currency:         string(order.TotalAmount.Currency),
		GatewayCode:      order.GatewayCode,
		PaymentReference: order.PaymentReference,
		PaidAt:           paidAt,
	})
}

// OrderStatus announces a failed, refunded or cancelled order. Failures are logged only.
func (n *Notifier) OrderStatus(ctx context.Context, order *domain.Order, status domain.PaymentStatus, amountMinor int64, reason string) {
	var eventType string
	switch status {
	case domain.PaymentFailed:
		eventType = events.EventOrderFailed
	case domain.PaymentRefunded:
		eventType = events.EventOrderRefunded
	case domain.PaymentCancelled:
		eventType = events.EventOrderCancelled
	default:
		return
	}

	err := n.publish(ctx, eventType, events.AggregateOrder, order.ID, events.OrderStatusData{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(status),
		AmountMinor: amountMinor,
		Currency:    string(order.TotalAmount.Currency),
		Reason:      reason,
	})
	if err != nil {
		n.logger.Warn("failed to publish order status event", "order_id", order.ID, "status", status, "error", err)
	}
}

// RequestReceipt implements ReceiptRequester
func (n *Notifier) RequestReceipt(ctx context.Context, order *domain.Order) error {
	return n.publish(ctx, events.EventReceiptRequested, events.AggregateOrder, order.ID, events.ReceiptRequestedData{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerEmail: order.CustomerEmail,
		AmountMinor:   order.TotalAmount.AmountMinor,
		Currency:      string(order.TotalAmount.Currency),
	})
}

// SendConfirmation implements Mailer
func (n *Notifier) SendConfirmation(ctx context.Context, order *domain.Order) error {
	if order.CustomerEmail == "" {
		return nil
	}
	return n.publish(ctx, events.EventEmailRequested, events.AggregateOrder, order.ID, events.EmailRequestedData{
		OrderID:  order.ID,
		Template: "order_confirmation",
		To:       order.CustomerEmail,
		Name:     order.CustomerName,
	})
}

// SettlementFinished announces the final state of a settlement run
func (n *Notifier) SettlementFinished(ctx context.Context, order *domain.Order, report *SettlementReport) error {
	eventType := events.EventSettlementCompleted
	if report.Status == domain.TransfersFailed {
		eventType = events.EventSettlementFailed
	}
	return n.publish(ctx, eventType, events.AggregateOrder, order.ID, events.SettlementData{
		OrderID:       order.ID,
		TransferGroup: report.TransferGroup,
		Status:        string(report.Status),
		Transfers:     len(report.Transfers),
		Failed:        report.Failed,
		AmountMinor:   report.SettledMinor,
		Currency:      string(order.TotalAmount.Currency),
	})
}

// AccountUpdated announces a recipient payout account change
func (n *Notifier) AccountUpdated(ctx context.Context, r *domain.PaymentRecipient) error {
	return n.publish(ctx, events.EventAccountUpdated, events.AggregateRecipient, r.ID, events.AccountUpdatedData{
		RecipientID:       r.ID,
		ExternalAccountID: r.ExternalAccountID,
		AccountStatus:     string(r.AccountStatus),
	})
}

// Subscription forwards a provider subscription lifecycle event to billing
func (n *Notifier) Subscription(ctx context.Context, gatewayCode string, event *gateway.WebhookEvent) error {
	var eventType string
	switch event.Type {
	case gateway.EventSubscriptionCreated:
		eventType = events.EventSubscriptionCreated
	case gateway.EventSubscriptionUpdated:
		eventType = events.EventSubscriptionUpdated
	default:
		eventType = events.EventSubscriptionDeleted
	}
	return n.publish(ctx, eventType, events.AggregateSubscription, event.SubscriptionID, events.SubscriptionData{
		GatewayCode:    gatewayCode,
		SubscriptionID: event.SubscriptionID,
		CustomerID:     event.CustomerID,
		Status:         event.SubscriptionStatus,
		Raw:            event.Raw,
	})
}
