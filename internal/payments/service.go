// Package payments orchestrates payment collection, provider reconciliation
// and settlement of captured funds to recipients.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"eventpay/internal/gateway"
	"eventpay/internal/payments/domain"
	"eventpay/internal/payments/store"
)

// statusPollTimeout bounds a shared provider status poll
const statusPollTimeout = 30 * time.Second

// Service is the payment orchestrator used by order and admin flows.
// Every façade method reports failures as structured results and never panics.
type Service struct {
	store       Store
	registry    *gateway.Registry
	distributor *Distributor
	notifier    *Notifier
	receipts    ReceiptRequester
	mailer      Mailer
	ledger      *ledger
	polls       singleflight.Group
	logger      *slog.Logger
}

// NewService creates a new payment orchestrator. Receipt and confirmation
// requests go through the notifier unless replaced.
func NewService(store Store, registry *gateway.Registry, distributor *Distributor, notifier *Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		registry:    registry,
		distributor: distributor,
		notifier:    notifier,
		receipts:    notifier,
		mailer:      notifier,
		ledger:      &ledger{store: store, logger: logger},
		logger:      logger,
	}
}

// SetReceiptRequester sets the receipt collaborator.
func (s *Service) SetReceiptRequester(r ReceiptRequester) { s.receipts = r }

// SetMailer sets the confirmation email collaborator.
func (s *Service) SetMailer(m Mailer) { s.mailer = m }

// InitiateResponse is the driver's initiation result returned verbatim,
// plus the failure code for requests that never reached the driver.
type InitiateResponse struct {
	gateway.InitiateResult
	GatewayCode string `json:"gateway_code,omitempty"`
	Code        string `json:"code,omitempty"`
}

// StatusResponse describes an order's payment state
type StatusResponse struct {
	Success          bool   `json:"success"`
	Status           string `json:"status,omitempty"`
	Paid             bool   `json:"paid"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Error            string `json:"error,omitempty"`
	Code             string `json:"code,omitempty"`
}

// RefundResponse describes a refund attempt
type RefundResponse struct {
	Success     bool   `json:"success"`
	RefundID    string `json:"refund_id,omitempty"`
	Status      string `json:"status,omitempty"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

// CancelResponse describes a cancellation attempt
type CancelResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// OrderView is the read-only projection of an order for admin screens
type OrderView struct {
	Order        *domain.Order                `json:"order"`
	Transactions []*domain.PaymentTransaction `json:"transactions"`
	Transfers    []*domain.OrderTransfer      `json:"transfers"`
}

// InitiatePayment starts collecting payment for an order. Gateway fields are
// persisted only when the driver succeeds; the attempt is always recorded.
func (s *Service) InitiatePayment(ctx context.Context, orderID string) *InitiateResponse {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return initiateFailure(err)
	}
	if !order.CanInitiate() {
		return initiateFailure(fmt.Errorf("order is %s: %w", order.PaymentStatus, ErrInvalidState))
	}

	driver := s.driverForNew(order)
	if driver == nil || !driver.IsAvailable("") {
		return initiateFailure(fmt.Errorf("no gateway can take payment for order %s: %w", order.OrderNumber, ErrGatewayUnavailable))
	}

	group := order.TransferGroup
	if group == "" {
		group = domain.DefaultTransferGroup(order.ID)
	}
	req := gateway.InitiateRequest{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Amount:        order.TotalAmount,
		Description:   fmt.Sprintf("Order %s", order.OrderNumber),
		CustomerEmail: order.CustomerEmail,
		CustomerName:  order.CustomerName,
		TransferGroup: group,
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
		},
	}

	res := driver.Initiate(ctx, req)
	s.ledger.record(ctx, entry{
		order:       order,
		gatewayCode: driver.Code(),
		txType:      domain.TxPayment,
		success:     res.Success,
		amountMinor: order.TotalAmount.AmountMinor,
		externalID:  res.TransactionID,
		request:     req,
		response:    res.Raw,
		err:         res.Error,
	})

	out := &InitiateResponse{InitiateResult: res, GatewayCode: driver.Code()}
	if !res.Success {
		s.logger.Warn("payment initiation failed", "order_id", order.ID, "gateway", driver.Code(), "error", res.Error)
		out.Code = CodeGatewayError
		return out
	}

	meta := map[string]any{"initiated_at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range res.Metadata {
		meta[k] = v
	}
	saved, err := s.store.SaveInitiation(ctx, order.ID, driver.Code(), res.TransactionID, group, meta)
	if err != nil {
		s.logger.Error("failed to save initiation", "order_id", order.ID, "transaction_id", res.TransactionID, "error", err)
		return initiateFailure(err)
	}
	if !saved {
		return initiateFailure(fmt.Errorf("order %s changed state during initiation: %w", order.OrderNumber, ErrInvalidState))
	}

	s.logger.Info("payment initiated",
		"order_id", order.ID,
		"gateway", driver.Code(),
		"transaction_id", res.TransactionID,
		"amount", order.TotalAmount.AmountMinor,
		"currency", order.TotalAmount.Currency,
	)
	return out
}

// CheckPaymentStatus polls the provider and confirms the order if it reports paid.
// Concurrent polls for one order share a single provider call.
// The shared call is detached from any one caller's cancellation and bounded by
// statusPollTimeout instead.
func (s *Service) CheckPaymentStatus(ctx context.Context, orderID string) *StatusResponse {
	v, _, _ := s.polls.Do(orderID, func() (any, error) {
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusPollTimeout)
		defer cancel()
		return s.checkPaymentStatus(pollCtx, orderID), nil
	})
	return v.(*StatusResponse)
}

func (s *Service) checkPaymentStatus(ctx context.Context, orderID string) *StatusResponse {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return statusFailure(err)
	}

	switch order.PaymentStatus {
	case domain.PaymentPaid:
		return &StatusResponse{Success: true, Status: string(order.PaymentStatus), Paid: true, PaymentReference: order.PaymentReference}
	case domain.PaymentRefunded, domain.PaymentCancelled:
		return &StatusResponse{Success: true, Status: string(order.PaymentStatus)}
	}
	if order.GatewayTransactionID == "" {
		return statusFailure(fmt.Errorf("payment for order %s was never initiated: %w", order.OrderNumber, ErrInvalidState))
	}

	driver := s.registry.ByCode(order.GatewayCode)
	if driver == nil {
		return statusFailure(fmt.Errorf("gateway %q: %w", order.GatewayCode, gateway.ErrUnknownDriver))
	}

	res := driver.CheckStatus(ctx, order.GatewayTransactionID)
	s.ledger.record(ctx, entry{
		order:       order,
		gatewayCode: order.GatewayCode,
		txType:      domain.TxStatusCheck,
		success:     res.Success,
		externalID:  order.GatewayTransactionID,
		request:     map[string]string{"transaction_id": order.GatewayTransactionID},
		response:    res.Raw,
		err:         res.Error,
	})
	if !res.Success {
		return &StatusResponse{Error: res.Error, Code: CodeGatewayError}
	}
	if !res.Paid {
		return &StatusResponse{Success: true, Status: res.Status}
	}

	transitioned, err := s.markPaid(ctx, order, res.PaymentReference, map[string]any{"confirmed_by": "status_check"})
	if err != nil {
		return statusFailure(err)
	}
	if !transitioned {
		// The stored state is authoritative; a provider that says paid for an
		// order we hold as failed needs an operator.
		current, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return statusFailure(err)
		}
		if !current.IsPaid() {
			s.logger.Warn("provider reports paid but order is not",
				"order_id", current.ID,
				"payment_status", current.PaymentStatus,
				"gateway", current.GatewayCode,
				"transaction_id", current.GatewayTransactionID,
			)
		}
		return &StatusResponse{Success: true, Status: string(current.PaymentStatus), Paid: current.IsPaid(), PaymentReference: current.PaymentReference}
	}
	ref := res.PaymentReference
	if ref == "" {
		ref = order.PaymentReference
	}
	return &StatusResponse{Success: true, Status: string(domain.PaymentPaid), Paid: true, PaymentReference: ref}
}

// Refund returns captured funds. A zero amount refunds the full total.
func (s *Service) Refund(ctx context.Context, orderID string, amountMinor int64) *RefundResponse {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return refundFailure(err)
	}
	if !order.IsPaid() {
		return refundFailure(fmt.Errorf("only paid orders can be refunded, order is %s: %w", order.PaymentStatus, ErrInvalidState))
	}
	if amountMinor < 0 || amountMinor > order.TotalAmount.AmountMinor {
		return refundFailure(fmt.Errorf("refund of %d exceeds order total %d: %w", amountMinor, order.TotalAmount.AmountMinor, ErrInvalidAmount))
	}
	effective := amountMinor
	if effective == 0 {
		effective = order.TotalAmount.AmountMinor
	}

	driver := s.registry.ByCode(order.GatewayCode)
	if driver == nil {
		return refundFailure(fmt.Errorf("gateway %q: %w", order.GatewayCode, gateway.ErrUnknownDriver))
	}

	res := driver.Refund(ctx, order.GatewayTransactionID, amountMinor)
	s.ledger.record(ctx, entry{
		order:       order,
		gatewayCode: order.GatewayCode,
		txType:      domain.TxRefund,
		success:     res.Success,
		amountMinor: effective,
		externalID:  res.RefundID,
		request:     map[string]any{"transaction_id": order.GatewayTransactionID, "amount_minor": amountMinor},
		response:    res.Raw,
		err:         res.Error,
	})
	if !res.Success {
		s.logger.Warn("refund failed", "order_id", order.ID, "error", res.Error)
		return &RefundResponse{Error: res.Error, Code: CodeGatewayError}
	}

	refunded, err := s.store.MarkRefunded(ctx, order.ID, map[string]any{
		"refund_id":             res.RefundID,
		"refunded_amount_minor": effective,
	})
	if err != nil {
		// The provider has already moved the money; the refund webhook will retry the transition.
		s.logger.Error("failed to mark order refunded", "order_id", order.ID, "refund_id", res.RefundID, "error", err)
	}
	if refunded {
		s.notifier.OrderStatus(ctx, order, domain.PaymentRefunded, effective, "")
	}

	s.logger.Info("order refunded", "order_id", order.ID, "refund_id", res.RefundID, "amount", effective)
	return &RefundResponse{Success: true, RefundID: res.RefundID, Status: res.Status, AmountMinor: effective}
}

// Cancel abandons an uncaptured order
func (s *Service) Cancel(ctx context.Context, orderID string) *CancelResponse {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return cancelFailure(err)
	}
	if !order.CanCancel() {
		return cancelFailure(fmt.Errorf("order is %s: %w", order.PaymentStatus, ErrInvalidState))
	}

	if order.GatewayTransactionID != "" {
		driver := s.registry.ByCode(order.GatewayCode)
		if driver == nil {
			return cancelFailure(fmt.Errorf("gateway %q: %w", order.GatewayCode, gateway.ErrUnknownDriver))
		}

		res := driver.Cancel(ctx, order.GatewayTransactionID)
		s.ledger.record(ctx, entry{
			order:       order,
			gatewayCode: order.GatewayCode,
			txType:      domain.TxCancel,
			success:     res.Success,
			externalID:  order.GatewayTransactionID,
			request:     map[string]string{"transaction_id": order.GatewayTransactionID},
			response:    res.Raw,
			err:         res.Error,
		})
		if !res.Success {
			return &CancelResponse{Error: res.Error, Code: CodeGatewayError}
		}
	}

	cancelled, err := s.store.MarkCancelled(ctx, order.ID)
	if err != nil {
		return cancelFailure(err)
	}
	if !cancelled {
		return cancelFailure(fmt.Errorf("order %s changed state during cancellation: %w", order.OrderNumber, ErrInvalidState))
	}

	s.notifier.OrderStatus(ctx, order, domain.PaymentCancelled, 0, "")
	s.logger.Info("order cancelled", "order_id", order.ID)
	return &CancelResponse{Success: true, Status: string(domain.PaymentCancelled)}
}

// GetOrder returns the order with its items, transaction history and settlement legs
func (s *Service) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.ListTransactions(ctx, store.TransactionFilter{OrderID: order.ID})
	if err != nil {
		return nil, err
	}
	transfers, err := s.store.ListTransfers(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Transactions: txs, Transfers: transfers}, nil
}

// ListTransactions returns an order's ledger rows narrowed by the filter
func (s *Service) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.PaymentTransaction, error) {
	if _, err := s.loadOrder(ctx, filter.OrderID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, filter)
}

// RetrySettlement re-runs a failed settlement. It is never triggered automatically.
func (s *Service) RetrySettlement(ctx context.Context, orderID string) (*SettlementReport, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsPaid() || order.TransfersStatus != domain.TransfersFailed {
		return nil, fmt.Errorf("order is %s with transfers %s: %w", order.PaymentStatus, order.TransfersStatus, ErrInvalidState)
	}

	s.logger.Info("retrying settlement", "order_id", order.ID, "requested_by", CallerFromContext(ctx).Subject)
	return s.distributor.Retry(ctx, order)
}

// markPaid is the only path to the paid state. The conditional update lets exactly
// one caller win; only the winner runs the post-commit effects.
func (s *Service) markPaid(ctx context.Context, order *domain.Order, paymentReference string, metadata map[string]any) (bool, error) {
	transitioned, err := s.store.MarkPaid(ctx, order.ID, paymentReference, metadata)
	if err != nil {
		return false, fmt.Errorf("marking order %s paid: %w", order.ID, err)
	}
	if !transitioned {
		s.logger.Info("order already processed", "order_id", order.ID)
		return false, nil
	}

	paid := *order
	paid.PaymentStatus = domain.PaymentPaid
	if paymentReference != "" {
		paid.PaymentReference = paymentReference
	}
	now := time.Now().UTC()
	paid.PaidAt = &now

	s.logger.Info("order paid",
		"order_id", order.ID,
		"gateway", order.GatewayCode,
		"payment_reference", paid.PaymentReference,
		"amount", order.TotalAmount.AmountMinor,
	)

	s.paidEffects(&paid).Run(ctx)
	return true, nil
}

func (s *Service) paidEffects(order *domain.Order) *AfterCommit {
	effects := NewAfterCommit(s.logger.With("order_id", order.ID))
	effects.Add("receipt", func(ctx context.Context) error {
		return s.receipts.RequestReceipt(ctx, order)
	})
	effects.Add("settlement", func(ctx context.Context) error {
		_, err := s.distributor.Settle(ctx, order)
		return err
	})
	effects.Add("confirmation_email", func(ctx context.Context) error {
		return s.mailer.SendConfirmation(ctx, order)
	})
	effects.Add("order_paid_event", func(ctx context.Context) error {
		return s.notifier.OrderPaid(ctx, order)
	})
	return effects
}

// driverForNew picks the driver for an attempt. An order that already has a
// gateway keeps it; otherwise routing follows the registry policy.
func (s *Service) driverForNew(order *domain.Order) gateway.Driver {
	if order.GatewayCode != "" {
		return s.registry.ByCode(order.GatewayCode)
	}
	recipient := ""
	if shares := domain.GroupByRecipient(order.Items); len(shares) == 1 {
		recipient = shares[0].RecipientID
	}
	return s.registry.Resolve(recipient)
}

func (s *Service) loadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if orderID == "" {
		return nil, ErrOrderNotFound
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		err = notFound(err)
		if !errors.Is(err, ErrOrderNotFound) {
			s.logger.Error("failed to load order", "order_id", orderID, "error", err)
		}
		return nil, err
	}
	return order, nil
}

func initiateFailure(err error) *InitiateResponse {
	return &InitiateResponse{InitiateResult: gateway.InitiateResult{Error: publicMessage(err)}, Code: codeFor(err)}
}

func statusFailure(err error) *StatusResponse {
	return &StatusResponse{Error: publicMessage(err), Code: codeFor(err)}
}

func refundFailure(err error) *RefundResponse {
	return &RefundResponse{Error: publicMessage(err), Code: codeFor(err)}
}

func cancelFailure(err error) *CancelResponse {
	return &CancelResponse{Error: publicMessage(err), Code: codeFor(err)}
}
