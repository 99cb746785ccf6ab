package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"eventpay/internal/gateway"
)

// SignatureHeader carries "t=<unix>,v1=<hex>[,v1=<hex>]".
const SignatureHeader = "Stripe-Signature"

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type charge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Metadata       map[string]string `json:"metadata"`
}

type account struct {
	ID             string `json:"id"`
	ChargesEnabled bool   `json:"charges_enabled"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Requirements   struct {
		DisabledReason string `json:"disabled_reason"`
	} `json:"requirements"`
}

type subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// Signature returns the raw Stripe-Signature header.
func (a *Adapter) Signature(h http.Header) string {
	return h.Get(SignatureHeader)
}

// VerifyWebhook checks the Stripe-Signature header against the webhook secret.
func (a *Adapter) VerifyWebhook(payload []byte, h http.Header, now time.Time) error {
	if a.config.WebhookSecret == "" {
		return nil
	}
	ts, sigs := parseSignatureHeader(h.Get(SignatureHeader))
	return gateway.VerifySignature(a.config.WebhookSecret, ts, payload, sigs, a.config.WebhookTolerance, now)
}

func parseSignatureHeader(header string) (int64, []string) {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, _ = strconv.ParseInt(v, 10, 64)
		case "v1":
			sigs = append(sigs, v)
		}
	}
	return ts, sigs
}

// ParseWebhook maps a Stripe event onto the gateway taxonomy.
func (a *Adapter) ParseWebhook(payload []byte) (*gateway.WebhookEvent, error) {
	var e event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decoding stripe event: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("stripe event has no type")
	}

	out := &gateway.WebhookEvent{
		ID:           e.ID,
		Type:         gateway.EventUnknown,
		ProviderType: e.Type,
		Raw:          payload,
	}

	switch e.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
		var s checkoutSession
		if err := json.Unmarshal(e.Data.Object, &s); err != nil {
			return nil, fmt.Errorf("decoding checkout session: %w", err)
		}
		out.TransactionID = s.ID
		out.PaymentReference = s.PaymentIntent
		out.OrderReference = orderRef(s.ClientReferenceID, s.Metadata)
		out.AmountMinor = s.AmountTotal

		switch e.Type {
		case "checkout.session.completed":
			// Delayed payment methods complete the session before funds arrive.
			if s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required" {
				out.Type = gateway.EventPaymentSucceeded
			}
		case "checkout.session.async_payment_succeeded":
			out.Type = gateway.EventPaymentSucceeded
		case "checkout.session.async_payment_failed":
			out.Type = gateway.EventPaymentAsyncFailed
			out.FailureReason = "asynchronous payment failed"
		case "checkout.session.expired":
			out.Type = gateway.EventPaymentFailed
			out.FailureReason = "checkout session expired"
		}

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi paymentIntent
		if err := json.Unmarshal(e.Data.Object, &pi); err != nil {
			return nil, fmt.Errorf("decoding payment intent: %w", err)
		}
		out.TransactionID = pi.ID
		out.PaymentReference = pi.ID
		out.OrderReference = orderRef("", pi.Metadata)
		out.AmountMinor = pi.Amount
		if e.Type == "payment_intent.succeeded" {
			out.Type = gateway.EventPaymentSucceeded
		} else {
			// Fires on every decline; the checkout session stays open for another card.
			out.Type = gateway.EventPaymentAttemptFailed
			if pi.LastPaymentError != nil {
				out.FailureReason = pi.LastPaymentError.Message
			}
		}

	case "charge.refunded":
		var c charge
		if err := json.Unmarshal(e.Data.Object, &c); err != nil {
			return nil, fmt.Errorf("decoding charge: %w", err)
		}
		out.Type = gateway.EventPaymentRefunded
		out.TransactionID = c.PaymentIntent
		out.PaymentReference = c.PaymentIntent
		out.OrderReference = orderRef("", c.Metadata)
		out.AmountMinor = c.AmountRefunded

	case "account.updated":
		var acct account
		if err := json.Unmarshal(e.Data.Object, &acct); err != nil {
			return nil, fmt.Errorf("decoding account: %w", err)
		}
		out.Type = gateway.EventAccountUpdated
		out.AccountID = acct.ID
		out.AccountStatus = accountStatus(acct)

	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub subscription
		if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("decoding subscription: %w", err)
		}
		out.SubscriptionID = sub.ID
		out.CustomerID = sub.Customer
		out.SubscriptionStatus = sub.Status
		switch e.Type {
		case "customer.subscription.created":
			out.Type = gateway.EventSubscriptionCreated
		case "customer.subscription.updated":
			out.Type = gateway.EventSubscriptionUpdated
		default:
			out.Type = gateway.EventSubscriptionDeleted
		}
	}

	return out, nil
}

func orderRef(clientRef string, metadata map[string]string) string {
	if clientRef != "" {
		return clientRef
	}
	return metadata["order_id"]
}

func accountStatus(acct account) string {
	switch {
	case acct.Requirements.DisabledReason != "" && !acct.PayoutsEnabled:
		return gateway.AccountDisabled
	case acct.ChargesEnabled && acct.PayoutsEnabled:
		return gateway.AccountActive
	default:
		return gateway.AccountPending
	}
}
