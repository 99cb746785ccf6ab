package stripe

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpay/internal/gateway"
)

func TestVerifyWebhook(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	now := time.Unix(1_700_000_000, 0)
	sig := gateway.ComputeSignature("whsec_test", now.Unix(), payload)

	h := http.Header{}
	h.Set(SignatureHeader, fmt.Sprintf("t=%d,v1=%s,v0=ignored", now.Unix(), sig))
	assert.NoError(t, a.VerifyWebhook(payload, h, now))
	assert.Equal(t, h.Get(SignatureHeader), a.Signature(h))

	forged := gateway.ComputeSignature("whsec_other", now.Unix(), payload)
	h.Set(SignatureHeader, fmt.Sprintf("t=%d,v1=%s", now.Unix(), forged))
	assert.ErrorIs(t, a.VerifyWebhook(payload, h, now), gateway.ErrInvalidSignature)

	assert.ErrorIs(t, a.VerifyWebhook(payload, http.Header{}, now), gateway.ErrInvalidSignature)

	a.config.WebhookSecret = ""
	assert.NoError(t, a.VerifyWebhook(payload, http.Header{}, now))
}

func TestParseWebhook(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, e *gateway.WebhookEvent)
	}{
		{
			name:    "session completed and paid",
			payload: `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"paid","payment_intent":"pi_1","client_reference_id":"ord_1","amount_total":500}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.EventPaymentSucceeded, e.Type)
				assert.Equal(t, "cs_1", e.TransactionID)
				assert.Equal(t, "pi_1", e.PaymentReference)
				assert.Equal(t, "ord_1", e.OrderReference)
				assert.Equal(t, int64(500), e.AmountMinor)
			},
		},
		{
			name:    "session completed awaiting async payment",
			payload: `{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"unpaid"}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.EventUnknown, e.Type)
				assert.Equal(t, "checkout.session.completed", e.ProviderType)
			},
		},
		{
			name:    "async payment failed",
			payload: `{"id":"evt_3","type":"checkout.session.async_payment_failed","data":{"object":{"id":"cs_1"}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.EventPaymentAsyncFailed, e.Type)
			},
		},
		{
			name:    "declined attempt is not terminal",
			payload: `{"id":"evt_4","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","metadata":{"order_id":"ord_1"},"last_payment_error":{"message":"declined"}}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.EventPaymentAttemptFailed, e.Type)
				assert.Equal(t, "declined", e.FailureReason)
				assert.Equal(t, "ord_1", e.OrderReference)
			},
		},
		{
			name:    "charge refunded",
			payload: `{"id":"evt_5","type":"charge.refunded","data":{"object":{"id":"ch_1","payment_intent":"pi_1","amount_refunded":500}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.EventPaymentRefunded, e.Type)
				assert.Equal(t, "pi_1", e.PaymentReference)
				assert.Equal(t, int64(500), e.AmountMinor)
			},
		},
		{
			name:    "account enabled",
			payload: `{"id":"evt_6","type":"account.updated","data":{"object":{"id":"acct_1","charges_enabled":true,"payouts_enabled":true}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.EventAccountUpdated, e.Type)
				assert.Equal(t, "acct_1", e.AccountID)
				assert.Equal(t, gateway.AccountActive, e.AccountStatus)
			},
		},
		{
			name:    "account disabled",
			payload: `{"id":"evt_7","type":"account.updated","data":{"object":{"id":"acct_1","requirements":{"disabled_reason":"rejected.fraud"}}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.AccountDisabled, e.AccountStatus)
			},
		},
		{
			name:    "subscription deleted",
			payload: `{"id":"evt_8","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","customer":"cus_1","status":"canceled"}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.EventSubscriptionDeleted, e.Type)
				assert.True(t, e.Type.IsSubscription())
				assert.Equal(t, "sub_1", e.SubscriptionID)
			},
		},
		{
			name:    "unrelated event",
			payload: `{"id":"evt_9","type":"invoice.finalized","data":{"object":{}}}`,
			check: func(t *testing.T, e *gateway.WebhookEvent) {
				assert.Equal(t, gateway.EventUnknown, e.Type)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := a.ParseWebhook([]byte(tt.payload))
			require.NoError(t, err)
			tt.check(t, e)
		})
	}
}

func TestParseWebhookRejectsGarbage(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := a.ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
	_, err = a.ParseWebhook([]byte(`{"id":"evt"}`))
	assert.Error(t, err)
}
