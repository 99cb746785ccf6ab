package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"eventpay/internal/common/money"
	"eventpay/internal/gateway"
	"eventpay/internal/payments/domain"
)

// SettlementReport summarizes one settlement run
type SettlementReport struct {
	OrderID       string                  `json:"order_id"`
	TransferGroup string                  `json:"transfer_group"`
	Status        domain.TransfersStatus  `json:"status"`
	Transfers     []*domain.OrderTransfer `json:"transfers"`
	Failed        int                     `json:"failed"`
	SettledMinor  int64                   `json:"settled_minor"`
	// Skipped is set when another run already owns the order's settlement.
	Skipped bool `json:"skipped,omitempty"`
}

// Distributor splits captured funds into per-recipient transfers.
// Legs of one order run sequentially; different orders may settle concurrently.
type Distributor struct {
	store    Store
	registry *gateway.Registry
	ledger   *ledger
	notifier *Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewDistributor creates a settlement distributor
func NewDistributor(store Store, registry *gateway.Registry, notifier *Notifier, cfg Config, logger *slog.Logger) *Distributor {
	limit := rate.Inf
	if cfg.TransfersPerSecond > 0 {
		limit = rate.Limit(cfg.TransfersPerSecond)
	}
	burst := cfg.TransferBurst
	if burst < 1 {
		burst = 1
	}

	return &Distributor{
		store:    store,
		registry: registry,
		ledger:   &ledger{store: store, logger: logger},
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

// Settle runs the first settlement of a paid order. It is a no-op when the
// order has already been claimed by another run.
func (d *Distributor) Settle(ctx context.Context, order *domain.Order) (*SettlementReport, error) {
	return d.run(ctx, order, domain.TransfersNotRequired)
}

// Retry re-runs a failed settlement. Recipients with a completed leg are skipped;
// failed legs stay untouched and new legs are appended for the rest.
func (d *Distributor) Retry(ctx context.Context, order *domain.Order) (*SettlementReport, error) {
	return d.run(ctx, order, domain.TransfersFailed)
}

type payableShare struct {
	recipient *domain.PaymentRecipient
	amount    int64
}

func (d *Distributor) run(ctx context.Context, order *domain.Order, from domain.TransfersStatus) (*SettlementReport, error) {
	if !order.IsPaid() {
		return nil, fmt.Errorf("settling order %s in status %s: %w", order.ID, order.PaymentStatus, ErrInvalidState)
	}

	shares, err := d.payableShares(ctx, order)
	if err != nil {
		return nil, err
	}

	group := order.TransferGroup
	if group == "" {
		group = domain.DefaultTransferGroup(order.ID)
	}
	report := &SettlementReport{OrderID: order.ID, TransferGroup: group}

	source := order.SettlementSource()
	if len(shares) > 0 && source == "" {
		return nil, fmt.Errorf("order %s has no source charge to settle from: %w", order.ID, ErrInvalidState)
	}

	claimed, err := d.store.BeginSettlement(ctx, order.ID, group, from)
	if err != nil {
		return nil, err
	}
	if !claimed {
		d.logger.Info("settlement already claimed", "order_id", order.ID)
		report.Skipped = true
		return report, nil
	}

	amounts := make([]money.Money, len(shares))
	for i, s := range shares {
		amounts[i] = money.New(s.amount, order.TotalAmount.Currency)
	}
	sum, err := money.Sum(amounts...)
	if err != nil {
		return nil, err
	}
	if total := sum.AmountMinor; total > order.TotalAmount.AmountMinor {
		report.Status = domain.TransfersFailed
		if err := d.store.FinishSettlement(ctx, order.ID, report.Status); err != nil {
			return nil, err
		}
		d.logger.Error("settlement exceeds order total",
			"order_id", order.ID,
			"shares", total,
			"total", order.TotalAmount.AmountMinor,
		)
		return report, fmt.Errorf("order %s: %d > %d: %w", order.ID, total, order.TotalAmount.AmountMinor, ErrSettlementExceeds)
	}

	settled := map[string]bool{}
	if from == domain.TransfersFailed {
		existing, err := d.store.ListTransfers(ctx, order.ID)
		if err != nil {
			_ = d.store.FinishSettlement(ctx, order.ID, domain.TransfersFailed)
			return nil, err
		}
		for _, t := range existing {
			if t.Status == domain.TransferCompleted {
				settled[t.PaymentRecipientID] = true
			}
		}
	}

	driver := d.registry.ByCode(order.GatewayCode)
	for _, s := range shares {
		if settled[s.recipient.ID] {
			continue
		}
		t := d.transfer(ctx, order, driver, s, source, group)
		report.Transfers = append(report.Transfers, t)
		if t.Status == domain.TransferCompleted {
			report.SettledMinor += t.Amount.AmountMinor
		} else {
			report.Failed++
		}
	}

	report.Status = domain.TransfersCompleted
	if report.Failed > 0 {
		report.Status = domain.TransfersFailed
	}
	if err := d.store.FinishSettlement(ctx, order.ID, report.Status); err != nil {
		return report, err
	}

	d.logger.Info("settlement finished",
		"order_id", order.ID,
		"status", report.Status,
		"transfers", len(report.Transfers),
		"failed", report.Failed,
	)

	if err := d.notifier.SettlementFinished(ctx, order, report); err != nil {
		d.logger.Warn("failed to publish settlement event", "order_id", order.ID, "error", err)
	}
	return report, nil
}

// payableShares groups the order's items by recipient and drops recipients
// whose funds stay with the platform.
func (d *Distributor) payableShares(ctx context.Context, order *domain.Order) ([]payableShare, error) {
	grouped := domain.GroupByRecipient(order.Items)
	if len(grouped) == 0 {
		return nil, nil
	}

	ids := make([]string, len(grouped))
	for i, g := range grouped {
		ids[i] = g.RecipientID
	}
	recipients, err := d.store.GetRecipients(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading recipients: %w", err)
	}

	shares := make([]payableShare, 0, len(grouped))
	for _, g := range grouped {
		r := recipients[g.RecipientID]
		if !r.Payable() {
			d.logger.Info("recipient not payable, funds retained",
				"order_id", order.ID,
				"recipient_id", g.RecipientID,
				"amount", g.AmountMinor,
			)
			continue
		}
		shares = append(shares, payableShare{recipient: r, amount: g.AmountMinor})
	}
	return shares, nil
}

// transfer drives one leg: pending row first, then the provider call, then the outcome
func (d *Distributor) transfer(ctx context.Context, order *domain.Order, driver gateway.Driver, s payableShare, source, group string) *domain.OrderTransfer {
	now := time.Now().UTC()
	t := &domain.OrderTransfer{
		ID:                 ulid.Make().String(),
		OrderID:            order.ID,
		PaymentRecipientID: s.recipient.ID,
		DestinationAccount: s.recipient.ExternalAccountID,
		Amount:             money.New(s.amount, order.TotalAmount.Currency),
		SourceChargeID:     source,
		TransferGroup:      group,
		Status:             domain.TransferPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	log := d.logger.With("order_id", order.ID, "recipient_id", s.recipient.ID, "transfer_id", t.ID)

	if err := d.store.CreateTransfer(ctx, t); err != nil {
		log.Error("failed to record pending transfer", "error", err)
		t.Status = domain.TransferFailed
		t.ErrorMessage = err.Error()
		return t
	}

	res := d.call(ctx, driver, gateway.TransferRequest{
		Amount:         t.Amount,
		Destination:    t.DestinationAccount,
		SourceChargeID: source,
		TransferGroup:  group,
		IdempotencyKey: "transfer-" + t.ID,
		Description:    fmt.Sprintf("Order %s", order.OrderNumber),
	}, s.recipient.ID)

	d.ledger.record(ctx, entry{
		order:       order,
		gatewayCode: order.GatewayCode,
		txType:      domain.TxTransfer,
		success:     res.Success,
		amountMinor: t.Amount.AmountMinor,
		externalID:  res.TransferID,
		request:     map[string]any{"transfer_id": t.ID, "destination": t.DestinationAccount, "amount_minor": t.Amount.AmountMinor, "source_charge_id": source},
		response:    res.Raw,
		err:         res.Error,
	})

	if res.Success {
		t.Status = domain.TransferCompleted
		t.ProviderTransferID = res.TransferID
	} else {
		t.Status = domain.TransferFailed
		t.ErrorMessage = res.Error
		log.Warn("transfer failed", "error", res.Error)
	}

	if err := d.store.ResolveTransfer(ctx, t.ID, t.Status, t.ProviderTransferID, t.ErrorMessage); err != nil {
		log.Error("failed to resolve transfer", "status", t.Status, "error", err)
	}
	return t
}

func (d *Distributor) call(ctx context.Context, driver gateway.Driver, req gateway.TransferRequest, recipientID string) gateway.TransferResult {
	if driver == nil {
		return gateway.TransferResult{Error: gateway.ErrUnknownDriver.Error()}
	}
	if !driver.IsAvailable(recipientID) {
		return gateway.TransferResult{Error: fmt.Sprintf("%s cannot pay out to recipient %s", driver.Name(), recipientID)}
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return gateway.TransferResult{Error: err.Error()}
	}
	return driver.CreateTransfer(ctx, req)
}
