package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventOrderPaid      = "payments.order.paid"
	EventOrderFailed    = "payments.order.failed"
	EventOrderRefunded  = "payments.order.refunded"
	EventOrderCancelled = "payments.order.cancelled"

	EventReceiptRequested = "payments.receipt.requested"
	EventEmailRequested   = "payments.email.requested"

	EventSettlementCompleted = "payments.settlement.completed"
	EventSettlementFailed    = "payments.settlement.failed"

	EventAccountUpdated = "payments.account.updated"

	EventSubscriptionCreated = "billing.subscription.created"
	EventSubscriptionUpdated = "billing.subscription.updated"
	EventSubscriptionDeleted = "billing.subscription.deleted"
)

// Aggregate types
const (
	AggregateOrder        = "order"
	AggregateRecipient    = "payment_recipient"
	AggregateSubscription = "subscription"
)

// OrderPaidData is the data for payments.order.paid events
type OrderPaidData struct {
	OrderID          string    `json:"order_id"`
	OrderNumber      string    `json:"order_number"`
	AmountMinor      int64     `json:"amount_minor"`
	Currency         string    `json:"currency"`
	GatewayCode      string    `json:"gateway_code"`
	PaymentReference string    `json:"payment_reference"`
	PaidAt           time.Time `json:"paid_at"`
}

// OrderStatusData is the data for failed, refunded and cancelled order events
type OrderStatusData struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ReceiptRequestedData asks the receipt renderer to produce a receipt
type ReceiptRequestedData struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	CustomerEmail string `json:"customer_email"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
}

// EmailRequestedData asks the mailer to send a templated message
type EmailRequestedData struct {
	OrderID  string `json:"order_id"`
	Template string `json:"template"`
	To       string `json:"to"`
	Name     string `json:"name,omitempty"`
}

// SettlementData is the data for settlement events
type SettlementData struct {
	OrderID       string `json:"order_id"`
	TransferGroup string `json:"transfer_group"`
	Status        string `json:"status"`
	Transfers     int    `json:"transfers"`
	Failed        int    `json:"failed"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
}

// AccountUpdatedData is the data for payments.account.updated events
type AccountUpdatedData struct {
	RecipientID       string `json:"recipient_id"`
	ExternalAccountID string `json:"external_account_id"`
	AccountStatus     string `json:"account_status"`
}

// SubscriptionData carries a provider subscription lifecycle event to billing
type SubscriptionData struct {
	GatewayCode    string          `json:"gateway_code"`
	SubscriptionID string          `json:"subscription_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}
