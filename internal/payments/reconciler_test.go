package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpay/internal/common/events"
	"eventpay/internal/gateway"
	"eventpay/internal/payments/domain"
)

func TestWebhook_HappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRecipient("rec_1", "acct_1", domain.AccountActive)
	h.seedOrder("ord_1", 500, sellerItem("rec_1", 500))

	res, err := h.deliver(t, succeeded("evt_1", "ord_1"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, "ord_1", res.OrderID)

	order := h.store.order("ord_1")
	assert.Equal(t, domain.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, "ch_ord_1", order.PaymentReference)
	assert.Equal(t, domain.TransfersCompleted, order.TransfersStatus)
	assert.Equal(t, 1, h.store.confirmed["ord_1"])

	transfers := h.store.transfersFor("ord_1")
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(500), transfers[0].Amount.AmountMinor)
	assert.Equal(t, domain.TransferCompleted, transfers[0].Status)
	assert.Equal(t, "acct_1", transfers[0].DestinationAccount)
	assert.Equal(t, "ch_ord_1", transfers[0].SourceChargeID)
	assert.Equal(t, "order_ord_1", transfers[0].TransferGroup)
	assert.NotEmpty(t, transfers[0].ProviderTransferID)

	calls := h.driver.transfers()
	require.Len(t, calls, 1)
	assert.Equal(t, "transfer-"+transfers[0].ID, calls[0].IdempotencyKey)

	assert.Equal(t, 1, h.receipts.count())
	assert.Equal(t, 1, h.mailer.count())
	assert.Equal(t, 1, h.publisher.count(events.EventOrderPaid))
	assert.Equal(t, 1, h.publisher.count(events.EventSettlementCompleted))

	logs := h.store.webhookLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Processed)
	assert.Equal(t, domain.WebhookProcessed, logs[0].Outcome)
	require.NotNil(t, logs[0].OrderID)
	assert.Equal(t, "ord_1", *logs[0].OrderID)
	assert.Equal(t, "evt_1", logs[0].EventID)
	assert.NotNil(t, logs[0].ProcessedAt)
}

func TestWebhook_DuplicateDeliveries(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRecipient("rec_1", "acct_1", domain.AccountActive)
	h.seedOrder("ord_1", 500, sellerItem("rec_1", 500))

	const n = 4
	for i := 0; i < n; i++ {
		res, err := h.deliver(t, succeeded("evt_1", "ord_1"))
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, StatusProcessed, res.Status)
			continue
		}
		assert.Equal(t, StatusIgnored, res.Status)
		assert.Equal(t, "already processed", res.Message)
	}

	assert.Equal(t, 1, h.store.paidWrites)
	assert.Equal(t, 1, h.receipts.count())
	assert.Equal(t, 1, h.mailer.count())
	assert.Len(t, h.store.transfersFor("ord_1"), 1)
	assert.Len(t, h.driver.transfers(), 1)

	logs := h.store.webhookLogs()
	require.Len(t, logs, n)
	for i, l := range logs {
		assert.True(t, l.Processed, "log %d", i)
		require.NotNil(t, l.OrderID)
		assert.Equal(t, "ord_1", *l.OrderID)
		if i > 0 {
			assert.Equal(t, domain.WebhookIgnored, l.Outcome)
		}
	}
}

func TestWebhook_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRecipient("rec_1", "acct_1", domain.AccountActive)
	h.seedOrder("ord_1", 500, sellerItem("rec_1", 500))

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := map[string]int{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.deliver(t, succeeded("evt_1", "ord_1"))
			if assert.NoError(t, err) {
				mu.Lock()
				statuses[res.Status]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[StatusProcessed])
	assert.Equal(t, n-1, statuses[StatusIgnored])
	assert.Equal(t, 1, h.store.paidWrites)
	assert.Equal(t, 1, h.receipts.count())
	assert.Len(t, h.driver.transfers(), 1)
	assert.Len(t, h.store.webhookLogs(), n)
}

func TestRace_StatusPollAndWebhook(t *testing.T) {
	for i := 0; i < 20; i++ {
		t.Run(fmt.Sprintf("round_%d", i), func(t *testing.T) {
			h := newHarness(t, Config{})
			h.driver.paid = true
			h.seedRecipient("rec_1", "acct_1", domain.AccountActive)
			h.seedOrder("ord_1", 500, sellerItem("rec_1", 500))

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				res := h.svc.CheckPaymentStatus(context.Background(), "ord_1")
				assert.True(t, res.Success)
				assert.True(t, res.Paid)
			}()
			go func() {
				defer wg.Done()
				_, err := h.deliver(t, succeeded("evt_1", "ord_1"))
				assert.NoError(t, err)
			}()
			wg.Wait()

			assert.Equal(t, domain.PaymentPaid, h.store.order("ord_1").PaymentStatus)
			assert.Equal(t, 1, h.store.paidWrites)
			assert.Equal(t, 1, h.receipts.count())
			assert.Len(t, h.driver.transfers(), 1)
		})
	}
}

func TestWebhook_SignatureRejection(t *testing.T) {
	h := newHarness(t, Config{})
	h.driver.secret = "whsec_test"
	h.seedRecipient("rec_1", "acct_1", domain.AccountActive)
	h.seedOrder("ord_1", 500, sellerItem("rec_1", 500))

	payload := []byte(`{"id":"evt_1","type":"payment.succeeded","transaction_id":"tx_ord_1"}`)
	ts := h.now.Unix()

	tests := []struct {
		name   string
		header http.Header
	}{
		{name: "missing signature", header: http.Header{}},
		{name: "wrong secret", header: http.Header{
			"X-Test-Timestamp": {strconv.FormatInt(ts, 10)},
			"X-Test-Signature": {gateway.ComputeSignature("whsec_other", ts, payload)},
		}},
		{name: "stale timestamp", header: http.Header{
			"X-Test-Timestamp": {strconv.FormatInt(ts-600, 10)},
			"X-Test-Signature": {gateway.ComputeSignature("whsec_test", ts-600, payload)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.rec.HandleWebhook(context.Background(), "fake", payload, tt.header)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, gateway.ErrInvalidSignature), "got %v", err)
		})
	}

	order := h.store.order("ord_1")
	assert.Equal(t, domain.PaymentPending, order.PaymentStatus)
	assert.Equal(t, domain.TransfersNotRequired, order.TransfersStatus)
	assert.Empty(t, h.store.transfersFor("ord_1"))
	assert.Zero(t, h.receipts.count())

	logs := h.store.webhookLogs()
	require.Len(t, logs, len(tests))
	for _, l := range logs {
		assert.False(t, l.Processed)
		assert.Equal(t, domain.WebhookRejected, l.Outcome)
		assert.NotEmpty(t, l.ErrorMessage)
		assert.Equal(t, string(payload), l.Payload)
		assert.Nil(t, l.OrderID)
	}

	// A correctly signed delivery still goes through.
	res, err := h.deliver(t, succeeded("evt_1", "ord_1"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
}

func TestWebhook_NoPayableRecipients(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRecipient("rec_pending", "acct_p", domain.AccountPending)
	h.seedRecipient("rec_noacct", "", domain.AccountActive)
	h.seedOrder("ord_2", 900,
		platformItem(300),
		sellerItem("rec_pending", 400),
		sellerItem("rec_noacct", 200),
	)

	res, err := h.deliver(t, succeeded("evt_2", "ord_2"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	order := h.store.order("ord_2")
	assert.Equal(t, domain.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, domain.TransfersCompleted, order.TransfersStatus)
	assert.Empty(t, h.store.transfersFor("ord_2"))
	assert.Empty(t, h.driver.transfers())
}

func TestWebhook_FailureAndRefundEvents(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedOrder("ord_1", 500, platformItem(500))
	h.seedOrder("ord_2", 700, platformItem(700))

	res, err := h.deliver(t, map[string]any{
		"id": "evt_f", "type": "payment.async_failed", "transaction_id": "tx_ord_1", "reason": "insufficient funds",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	order := h.store.order("ord_1")
	assert.Equal(t, domain.PaymentFailed, order.PaymentStatus)
	assert.Equal(t, "insufficient funds", order.GatewayMetadata["failure_reason"])
	assert.Equal(t, 1, h.publisher.count(events.EventOrderFailed))

	// A late success does not resurrect a failed attempt.
	res, err = h.deliver(t, succeeded("evt_s", "ord_1"))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Equal(t, domain.PaymentFailed, h.store.order("ord_1").PaymentStatus)

	// Refund before payment is ignored, after payment it is applied once.
	res, err = h.deliver(t, map[string]any{"id": "evt_r0", "type": "payment.refunded", "transaction_id": "tx_ord_2"})
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)

	_, err = h.deliver(t, succeeded("evt_p", "ord_2"))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = h.deliver(t, map[string]any{"id": "evt_r1", "type": "payment.refunded", "payment_reference": "ch_ord_2"})
		require.NoError(t, err)
	}
	order = h.store.order("ord_2")
	assert.Equal(t, domain.PaymentRefunded, order.PaymentStatus)
	assert.NotNil(t, order.RefundedAt)
	assert.Equal(t, 1, h.publisher.count(events.EventOrderRefunded))
}

func TestWebhook_OrderResolution(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedOrder("ord_1", 500, platformItem(500))
	other := h.seedOrder("ord_other", 500, platformItem(500))
	h.store.mu.Lock()
	h.store.orders[other.ID].GatewayCode = "stripe"
	h.store.mu.Unlock()

	t.Run("unknown transaction falls back to order reference", func(t *testing.T) {
		res, err := h.deliver(t, map[string]any{
			"id": "evt_1", "type": "payment.succeeded", "transaction_id": "cs_unknown", "order_id": "ord_1",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.Equal(t, domain.PaymentPaid, h.store.order("ord_1").PaymentStatus)
	})

	t.Run("order owned by another gateway", func(t *testing.T) {
		res, err := h.deliver(t, map[string]any{
			"id": "evt_2", "type": "payment.succeeded", "transaction_id": "cs_unknown", "order_id": "ord_other",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusIgnored, res.Status)
		assert.Equal(t, "order not found", res.Message)
		assert.Equal(t, domain.PaymentPending, h.store.order("ord_other").PaymentStatus)
	})

	t.Run("no order at all", func(t *testing.T) {
		res, err := h.deliver(t, map[string]any{"id": "evt_3", "type": "payment.succeeded", "transaction_id": "cs_missing"})
		require.NoError(t, err)
		assert.Equal(t, StatusIgnored, res.Status)

		logs := h.store.webhookLogs()
		last := logs[len(logs)-1]
		assert.True(t, last.Processed)
		assert.Equal(t, domain.WebhookIgnored, last.Outcome)
		assert.Equal(t, "order not found", last.ErrorMessage)
		assert.Nil(t, last.OrderID)
	})
}

func TestWebhook_UnknownAndMalformed(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.deliver(t, map[string]any{"id": "evt_1", "type": "invoice.finalized"})
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Contains(t, res.Message, "invoice.finalized")

	_, err = h.rec.HandleWebhook(context.Background(), "fake", []byte("not json"), http.Header{})
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	_, err = h.rec.HandleWebhook(context.Background(), "nope", []byte(`{}`), http.Header{})
	assert.True(t, errors.Is(err, gateway.ErrUnknownDriver))

	logs := h.store.webhookLogs()
	require.Len(t, logs, 3)
	assert.Equal(t, domain.WebhookIgnored, logs[0].Outcome)
	assert.Equal(t, "invoice.finalized", logs[0].WebhookType)
	assert.Equal(t, domain.WebhookRejected, logs[1].Outcome)
	assert.Equal(t, "not json", logs[1].Payload)
	assert.Equal(t, "nope", logs[2].GatewayCode)
	assert.Equal(t, domain.WebhookRejected, logs[2].Outcome)
}

func TestWebhook_LogFailureIsNotAcknowledged(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedOrder("ord_1", 500, platformItem(500))
	h.store.appendLogErr = errors.New("connection refused")

	_, err := h.deliver(t, succeeded("evt_1", "ord_1"))
	require.Error(t, err)
	assert.Equal(t, domain.PaymentPending, h.store.order("ord_1").PaymentStatus)
}

func TestWebhook_SideEffectFailuresDoNotUndoPayment(t *testing.T) {
	h := newHarness(t, Config{})
	h.receipts.panic = true
	h.mailer.err = errors.New("smtp down")
	h.publisher.err = errors.New("nats down")
	h.seedRecipient("rec_1", "acct_1", domain.AccountActive)
	h.seedOrder("ord_1", 500, sellerItem("rec_1", 500))

	res, err := h.deliver(t, succeeded("evt_1", "ord_1"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	order := h.store.order("ord_1")
	assert.Equal(t, domain.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, domain.TransfersCompleted, order.TransfersStatus)
	assert.Equal(t, 1, h.receipts.count())
	assert.Equal(t, 1, h.mailer.count())
	assert.True(t, h.store.webhookLogs()[0].Processed)
}

func TestWebhook_AccountUpdated(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRecipient("rec_1", "acct_1", domain.AccountPending)

	res, err := h.deliver(t, map[string]any{"id": "evt_a1", "type": "account.updated", "account_id": "acct_1", "account_status": "active"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, domain.AccountActive, h.store.recipients["rec_1"].AccountStatus)
	assert.Equal(t, 1, h.publisher.count(events.EventAccountUpdated))

	res, err = h.deliver(t, map[string]any{"id": "evt_a2", "type": "account.updated", "account_id": "acct_1", "account_status": "active"})
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)

	res, err = h.deliver(t, map[string]any{"id": "evt_a3", "type": "account.updated", "account_id": "acct_unknown", "account_status": "disabled"})
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Equal(t, 1, h.publisher.count(events.EventAccountUpdated))
}

func TestWebhook_SubscriptionEvents(t *testing.T) {
	event := map[string]any{"id": "evt_s1", "type": "subscription.created", "subscription_id": "sub_1"}

	t.Run("billing disabled", func(t *testing.T) {
		h := newHarness(t, Config{})
		res, err := h.deliver(t, event)
		require.NoError(t, err)
		assert.Equal(t, StatusIgnored, res.Status)
		assert.Zero(t, h.publisher.count(events.EventSubscriptionCreated))
	})

	t.Run("billing enabled", func(t *testing.T) {
		h := newHarness(t, Config{BillingEnabled: true})
		res, err := h.deliver(t, event)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.Equal(t, 1, h.publisher.count(events.EventSubscriptionCreated))
	})

	t.Run("billing publish failure is retried by the provider", func(t *testing.T) {
		h := newHarness(t, Config{BillingEnabled: true})
		h.publisher.err = errors.New("nats down")
		_, err := h.deliver(t, event)
		require.Error(t, err)
		logs := h.store.webhookLogs()
		require.Len(t, logs, 1)
		assert.False(t, logs[0].Processed)
		assert.Equal(t, domain.WebhookError, logs[0].Outcome)
	})
}
