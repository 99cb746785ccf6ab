package paylink

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"eventpay/internal/common/money"
	"eventpay/internal/gateway"
)

// Webhook signature headers.
const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"
)

// webhookPayload is the structure of Paylink webhook callbacks.
type webhookPayload struct {
	ID    string `json:"id"`
	Event string `json:"event"` // payment.completed, payment.failed, payment.expired, payment.refunded
	Data  struct {
		PaymentID     string `json:"payment_id"`
		Reference     string `json:"reference"`
		Status        string `json:"status"`
		Amount        string `json:"amount"`
		Currency      string `json:"currency"`
		FailureReason string `json:"failure_reason"`
	} `json:"data"`
}

// Signature returns the raw X-Signature header.
func (a *Adapter) Signature(h http.Header) string {
	return h.Get(SignatureHeader)
}

// VerifyWebhook checks X-Signature over X-Timestamp + "." + payload.
func (a *Adapter) VerifyWebhook(payload []byte, h http.Header, now time.Time) error {
	if a.config.WebhookSecret == "" {
		return nil
	}
	ts, _ := strconv.ParseInt(h.Get(TimestampHeader), 10, 64)
	var sigs []string
	if s := h.Get(SignatureHeader); s != "" {
		sigs = append(sigs, s)
	}
	return gateway.VerifySignature(a.config.WebhookSecret, ts, payload, sigs, a.config.WebhookTolerance, now)
}

// ParseWebhook maps a Paylink callback onto the gateway taxonomy.
func (a *Adapter) ParseWebhook(payload []byte) (*gateway.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding paylink webhook: %w", err)
	}
	if p.Event == "" {
		return nil, fmt.Errorf("paylink webhook has no event")
	}

	out := &gateway.WebhookEvent{
		ID:               p.ID,
		Type:             gateway.EventUnknown,
		ProviderType:     p.Event,
		TransactionID:    p.Data.PaymentID,
		PaymentReference: p.Data.PaymentID,
		OrderReference:   p.Data.Reference,
		FailureReason:    p.Data.FailureReason,
		Raw:              payload,
	}
	if p.Data.Amount != "" {
		m, err := money.ParseMajor(p.Data.Amount, money.Currency(p.Data.Currency))
		if err != nil {
			return nil, fmt.Errorf("paylink webhook %s: %w", p.ID, err)
		}
		out.AmountMinor = m.AmountMinor
	}

	switch p.Event {
	case "payment.completed":
		out.Type = gateway.EventPaymentSucceeded
	case "payment.failed":
		out.Type = gateway.EventPaymentFailed
	case "payment.expired":
		out.Type = gateway.EventPaymentFailed
		if out.FailureReason == "" {
			out.FailureReason = "payment expired"
		}
	case "payment.refunded":
		out.Type = gateway.EventPaymentRefunded
	}

	return out, nil
}
