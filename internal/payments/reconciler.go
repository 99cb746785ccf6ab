package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"eventpay/internal/common/database"
	"eventpay/internal/gateway"
	"eventpay/internal/payments/domain"
)

// Webhook response statuses
const (
	StatusProcessed = "processed"
	StatusIgnored   = "ignored"
	StatusError     = "error"
)

// WebhookResult is acknowledged to the provider
type WebhookResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	OrderID string `json:"order_id,omitempty"`
}

// Reconciler applies provider notifications to orders.
// Every delivery is logged before it is interpreted; handlers only change an
// order when it is in the state the event expects, so duplicate and
// out-of-order deliveries are acknowledged without further effect.
type Reconciler struct {
	store          Store
	registry       *gateway.Registry
	service        *Service
	notifier       *Notifier
	billingEnabled bool
	now            func() time.Time
	logger         *slog.Logger
}

// NewReconciler creates a webhook reconciler
func NewReconciler(store Store, registry *gateway.Registry, service *Service, notifier *Notifier, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:          store,
		registry:       registry,
		service:        service,
		notifier:       notifier,
		billingEnabled: cfg.BillingEnabled,
		now:            time.Now,
		logger:         logger,
	}
}

// HandleWebhook processes one delivery. A returned error means the delivery
// was not acknowledged and the provider should retry or give up: unknown
// gateway, bad signature, unparseable payload or a storage outage.
func (r *Reconciler) HandleWebhook(ctx context.Context, gatewayCode string, payload []byte, header http.Header) (*WebhookResult, error) {
	parser, ok := r.registry.Webhooks(gatewayCode)

	entry := &domain.WebhookLog{
		ID:          ulid.Make().String(),
		GatewayCode: gatewayCode,
		Payload:     string(payload),
		ReceivedAt:  r.now().UTC(),
	}
	if ok {
		entry.Signature = parser.Signature(header)
	}
	if err := r.store.AppendWebhookLog(ctx, entry); err != nil {
		r.logger.Error("failed to log webhook", "gateway", gatewayCode, "error", err)
		return nil, fmt.Errorf("logging webhook: %w", err)
	}
	log := r.logger.With("gateway", gatewayCode, "webhook_log_id", entry.ID)

	if !ok {
		r.resolve(ctx, log, entry.ID, domain.WebhookResolution{Outcome: domain.WebhookRejected, ErrorMessage: "unknown gateway"})
		return nil, fmt.Errorf("gateway %q: %w", gatewayCode, gateway.ErrUnknownDriver)
	}

	if err := parser.VerifyWebhook(payload, header, r.now()); err != nil {
		log.Warn("webhook signature rejected", "error", err)
		r.resolve(ctx, log, entry.ID, domain.WebhookResolution{Outcome: domain.WebhookRejected, ErrorMessage: err.Error()})
		return nil, err
	}

	event, err := parser.ParseWebhook(payload)
	if err != nil {
		log.Warn("webhook payload rejected", "error", err)
		r.resolve(ctx, log, entry.ID, domain.WebhookResolution{Outcome: domain.WebhookRejected, ErrorMessage: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	log = log.With("event_id", event.ID, "event_type", event.ProviderType)

	ctx = WithCaller(ctx, Caller{Subject: "webhook:" + gatewayCode, Role: "gateway"})
	result, orderID, err := r.dispatch(ctx, gatewayCode, event, log)

	res := domain.WebhookResolution{
		Processed:   err == nil,
		Outcome:     result.Status,
		WebhookType: event.ProviderType,
		EventID:     event.ID,
		OrderID:     orderID,
	}
	switch {
	case err != nil:
		res.Outcome = domain.WebhookError
		res.ErrorMessage = err.Error()
	case result.Status == StatusIgnored:
		res.ErrorMessage = result.Message
	}
	r.resolve(ctx, log, entry.ID, res)

	if err != nil {
		log.Error("webhook handling failed", "order_id", orderID, "error", err)
		return nil, err
	}
	log.Info("webhook handled", "status", result.Status, "order_id", orderID, "message", result.Message)
	return result, nil
}

func (r *Reconciler) dispatch(ctx context.Context, gatewayCode string, event *gateway.WebhookEvent, log *slog.Logger) (*WebhookResult, string, error) {
	switch {
	case event.Type == gateway.EventAccountUpdated:
		return r.accountUpdated(ctx, event)
	case event.Type.IsSubscription():
		return r.subscription(ctx, gatewayCode, event)
	case event.Type == gateway.EventUnknown:
		return ignored("unhandled event type "+event.ProviderType, ""), "", nil
	}

	order, err := r.findOrder(ctx, gatewayCode, event)
	if errors.Is(err, ErrOrderNotFound) {
		return ignored("order not found", ""), "", nil
	}
	if err != nil {
		return &WebhookResult{Status: StatusError}, "", err
	}

	var transitioned bool
	switch event.Type {
	case gateway.EventPaymentSucceeded:
		transitioned, err = r.service.markPaid(ctx, order, event.PaymentReference, map[string]any{
			"confirmed_by":     "webhook",
			"webhook_event_id": event.ID,
		})
		if err == nil && transitioned {
			return processed("payment confirmed", order.ID), order.ID, nil
		}

	case gateway.EventPaymentFailed, gateway.EventPaymentAsyncFailed:
		reason := event.FailureReason
		if reason == "" {
			reason = event.ProviderType
		}
		transitioned, err = r.store.MarkFailed(ctx, order.ID, reason)
		if err == nil && transitioned {
			r.notifier.OrderStatus(ctx, order, domain.PaymentFailed, order.TotalAmount.AmountMinor, reason)
			return processed("payment failed", order.ID), order.ID, nil
		}

	case gateway.EventPaymentAttemptFailed:
		if order.PaymentStatus != domain.PaymentPending {
			return ignored("order is "+string(order.PaymentStatus), order.ID), order.ID, nil
		}
		err = r.store.MergeGatewayMetadata(ctx, order.ID, map[string]any{
			"last_attempt_error":    event.FailureReason,
			"last_attempt_event_id": event.ID,
			"last_attempt_at":       r.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return &WebhookResult{Status: StatusError}, order.ID, fmt.Errorf("recording declined attempt: %w", err)
		}
		log.Info("payment attempt declined, order stays pending", "order_id", order.ID, "reason", event.FailureReason)
		return processed("payment attempt declined", order.ID), order.ID, nil

	case gateway.EventPaymentRefunded:
		amount := event.AmountMinor
		if amount == 0 {
			amount = order.TotalAmount.AmountMinor
		}
		transitioned, err = r.store.MarkRefunded(ctx, order.ID, map[string]any{
			"refund_event_id":       event.ID,
			"refunded_amount_minor": amount,
		})
		if err == nil && transitioned {
			r.notifier.OrderStatus(ctx, order, domain.PaymentRefunded, amount, "")
			return processed("refund recorded", order.ID), order.ID, nil
		}

	default:
		return ignored("unhandled event type "+event.ProviderType, order.ID), order.ID, nil
	}

	if err != nil {
		return &WebhookResult{Status: StatusError}, order.ID, err
	}
	return ignored("already processed", order.ID), order.ID, nil
}

// findOrder locates the order by provider reference, falling back to the order id
// echoed back in provider metadata. An order owned by another gateway is not a match.
func (r *Reconciler) findOrder(ctx context.Context, gatewayCode string, event *gateway.WebhookEvent) (*domain.Order, error) {
	for _, ref := range []string{event.TransactionID, event.PaymentReference} {
		if ref == "" {
			continue
		}
		order, err := r.store.FindOrderByGatewayRef(ctx, gatewayCode, ref)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}

	if event.OrderReference != "" {
		order, err := r.store.GetOrder(ctx, event.OrderReference)
		if err != nil {
			return nil, notFound(err)
		}
		if order.GatewayCode == gatewayCode {
			return order, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *Reconciler) accountUpdated(ctx context.Context, event *gateway.WebhookEvent) (*WebhookResult, string, error) {
	if event.AccountID == "" {
		return ignored("account id missing", ""), "", nil
	}
	recipient, changed, err := r.store.UpdateRecipientAccountStatus(ctx, event.AccountID, domain.AccountStatus(event.AccountStatus))
	if errors.Is(err, database.ErrNotFound) {
		return ignored("unknown account "+event.AccountID, ""), "", nil
	}
	if err != nil {
		return &WebhookResult{Status: StatusError}, "", err
	}
	if !changed {
		return ignored("account status unchanged", ""), "", nil
	}

	if err := r.notifier.AccountUpdated(ctx, recipient); err != nil {
		r.logger.Warn("failed to publish account event", "recipient_id", recipient.ID, "error", err)
	}
	return processed(fmt.Sprintf("recipient %s is %s", recipient.ID, recipient.AccountStatus), ""), "", nil
}

func (r *Reconciler) subscription(ctx context.Context, gatewayCode string, event *gateway.WebhookEvent) (*WebhookResult, string, error) {
	if !r.billingEnabled {
		return ignored("billing disabled", ""), "", nil
	}
	if err := r.notifier.Subscription(ctx, gatewayCode, event); err != nil {
		return &WebhookResult{Status: StatusError}, "", fmt.Errorf("forwarding subscription event: %w", err)
	}
	return processed("subscription event forwarded", ""), "", nil
}

// resolve marks the log row; a failure here never changes the response
func (r *Reconciler) resolve(ctx context.Context, log *slog.Logger, id string, res domain.WebhookResolution) {
	if err := r.store.ResolveWebhookLog(ctx, id, res); err != nil {
		log.Error("failed to resolve webhook log", "outcome", res.Outcome, "error", err)
	}
}

func processed(message, orderID string) *WebhookResult {
	return &WebhookResult{Status: StatusProcessed, Message: message, OrderID: orderID}
}

func ignored(message, orderID string) *WebhookResult {
	return &WebhookResult{Status: StatusIgnored, Message: message, OrderID: orderID}
}
