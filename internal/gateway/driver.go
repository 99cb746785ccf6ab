// Package gateway defines the capability contract every payment provider driver implements.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"eventpay/internal/common/money"
)

// Driver translates orchestration requests into provider calls.
// Every method reports network and protocol failures through the result's
// Success and Error fields; drivers never panic on provider misbehaviour.
type Driver interface {
	Code() string
	Name() string
	// IsAvailable reports whether the driver can pay out to recipientID.
	// An empty recipientID asks about platform charges only.
	IsAvailable(recipientID string) bool

	Initiate(ctx context.Context, req InitiateRequest) InitiateResult
	CheckStatus(ctx context.Context, transactionID string) StatusResult
	// Refund refunds amountMinor, or the full charge when amountMinor is zero.
	Refund(ctx context.Context, transactionID string, amountMinor int64) RefundResult
	Cancel(ctx context.Context, transactionID string) CancelResult
	CreateTransfer(ctx context.Context, req TransferRequest) TransferResult
}

// WebhookParser is implemented by drivers that accept provider notifications.
type WebhookParser interface {
	// Signature extracts the raw signature header for logging.
	Signature(h http.Header) string
	// VerifyWebhook checks authenticity. It returns nil when no signing secret is configured.
	VerifyWebhook(payload []byte, h http.Header, now time.Time) error
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}

// InitiateRequest carries what a provider needs to start collecting a payment.
type InitiateRequest struct {
	OrderID       string            `json:"order_id"`
	OrderNumber   string            `json:"order_number"`
	Amount        money.Money       `json:"amount"`
	Description   string            `json:"description"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	CustomerName  string            `json:"customer_name,omitempty"`
	TransferGroup string            `json:"transfer_group,omitempty"`
	Destination   string            `json:"destination,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// InitiateResult is returned verbatim to the caller so it can redirect the customer.
type InitiateResult struct {
	Success       bool            `json:"success"`
	TransactionID string          `json:"transaction_id,omitempty"`
	RedirectURL   string          `json:"redirect_url,omitempty"`
	ClientSecret  string          `json:"client_secret,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Error         string          `json:"error,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// StatusResult describes the provider's view of a charge.
type StatusResult struct {
	Success          bool            `json:"success"`
	Status           string          `json:"status,omitempty"`
	Paid             bool            `json:"paid"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	Error            string          `json:"error,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// RefundResult describes an executed or pending refund.
type RefundResult struct {
	Success     bool            `json:"success"`
	RefundID    string          `json:"refund_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	AmountMinor int64           `json:"amount_minor,omitempty"`
	Error       string          `json:"error,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// CancelResult describes a cancelled or expired charge.
type CancelResult struct {
	Success bool            `json:"success"`
	Status  string          `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// TransferRequest moves captured funds to a connected account.
type TransferRequest struct {
	Amount         money.Money `json:"amount"`
	Destination    string      `json:"destination"`
	SourceChargeID string      `json:"source_charge_id"`
	TransferGroup  string      `json:"transfer_group"`
	IdempotencyKey string      `json:"idempotency_key"`
	Description    string      `json:"description,omitempty"`
}

// TransferResult describes a created transfer.
type TransferResult struct {
	Success     bool            `json:"success"`
	TransferID  string          `json:"transfer_id,omitempty"`
	AmountMinor int64           `json:"amount_minor,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Error       string          `json:"error,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// EventType is the provider-neutral webhook taxonomy
type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	// EventPaymentAttemptFailed is a declined attempt the customer may still retry.
	// It never ends the payment.
	EventPaymentAttemptFailed EventType = "payment.attempt_failed"
	EventPaymentAsyncFailed   EventType = "payment.async_failed"
	EventPaymentRefunded      EventType = "payment.refunded"
	EventAccountUpdated       EventType = "account.updated"
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionDeleted  EventType = "subscription.deleted"
	EventUnknown              EventType = "unknown"
)

// IsSubscription reports whether t belongs to the billing lifecycle
func (t EventType) IsSubscription() bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	}
	return false
}

// WebhookEvent is a provider notification normalized for the reconciler.
type WebhookEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	ProviderType string    `json:"provider_type"`

	// TransactionID is the identifier stored as the order's gateway_transaction_id.
	TransactionID string `json:"transaction_id,omitempty"`
	// PaymentReference identifies the captured charge, used as the settlement source.
	PaymentReference string `json:"payment_reference,omitempty"`
	// OrderReference is the order id echoed back through provider metadata.
	OrderReference string `json:"order_reference,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	AmountMinor    int64  `json:"amount_minor,omitempty"`

	AccountID     string `json:"account_id,omitempty"`
	AccountStatus string `json:"account_status,omitempty"`

	SubscriptionID     string `json:"subscription_id,omitempty"`
	CustomerID         string `json:"customer_id,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Recipient account states reported by providers
const (
	AccountPending  = "pending"
	AccountActive   = "active"
	AccountDisabled = "disabled"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownDriver    = errors.New("unknown gateway driver")
	ErrNotSupported     = errors.New("operation not supported by gateway")
)

// RawJSON makes a provider response safe to embed in a snapshot.
// Bodies that are not valid JSON are kept as a JSON string.
func RawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
