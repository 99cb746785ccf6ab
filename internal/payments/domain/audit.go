package domain

import (
	"encoding/json"
	"time"
)

// TransactionType classifies a gateway interaction
type TransactionType string

const (
	TxPayment     TransactionType = "payment"
	TxStatusCheck TransactionType = "status_check"
	TxRefund      TransactionType = "refund"
	TxCancel      TransactionType = "cancel"
	TxTransfer    TransactionType = "transfer"
)

// TransactionStatus is the outcome of a gateway interaction
type TransactionStatus string

const (
	TxSuccess TransactionStatus = "success"
	TxFailed  TransactionStatus = "failed"
)

// PaymentTransaction is an append-only record of one gateway interaction.
// Rows are never updated; duplicates are recorded as separate attempts.
type PaymentTransaction struct {
	ID              string            `json:"id"`
	OrderID         string            `json:"order_id"`
	GatewayCode     string            `json:"gateway_code"`
	TransactionType TransactionType   `json:"transaction_type"`
	Status          TransactionStatus `json:"status"`
	AmountMinor     int64             `json:"amount_minor,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	ExternalID      string            `json:"external_id,omitempty"`
	Request         json.RawMessage   `json:"request,omitempty"`
	Response        json.RawMessage   `json:"response,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	RequestedBy     string            `json:"requested_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Webhook outcomes recorded on the log row
const (
	WebhookProcessed = "processed"
	WebhookIgnored   = "ignored"
	WebhookRejected  = "rejected"
	WebhookError     = "error"
)

// WebhookLog is an append-only record of one inbound notification.
// The row is written before the payload is parsed and resolved once afterwards.
type WebhookLog struct {
	ID           string     `json:"id"`
	GatewayCode  string     `json:"gateway_code"`
	WebhookType  string     `json:"webhook_type,omitempty"`
	EventID      string     `json:"event_id,omitempty"`
	Payload      string     `json:"payload"`
	Signature    string     `json:"signature,omitempty"`
	Processed    bool       `json:"processed"`
	Outcome      string     `json:"outcome,omitempty"`
	OrderID      *string    `json:"order_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// WebhookResolution is applied to a log row once handling finishes
type WebhookResolution struct {
	Processed    bool
	Outcome      string
	WebhookType  string
	EventID      string
	OrderID      string
	ErrorMessage string
}
