package domain

import (
	"sort"
	"time"

	"eventpay/internal/common/money"
)

// PaymentStatus represents where an order is in its payment lifecycle
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// TransfersStatus represents the settlement state of a paid order
type TransfersStatus string

const (
	TransfersNotRequired TransfersStatus = "not_required"
	TransfersProcessing  TransfersStatus = "processing"
	TransfersCompleted   TransfersStatus = "completed"
	TransfersFailed      TransfersStatus = "failed"
)

// Order is one purchase intent.
// Orders are created by the order-construction flow; this package only moves
// them through payment and settlement states.
type Order struct {
	ID                   string          `json:"id"`
	OrderNumber          string          `json:"order_number"`
	TotalAmount          money.Money     `json:"total_amount"`
	CustomerEmail        string          `json:"customer_email,omitempty"`
	CustomerName         string          `json:"customer_name,omitempty"`
	PaymentStatus        PaymentStatus   `json:"payment_status"`
	GatewayCode          string          `json:"gateway_code,omitempty"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	PaymentReference     string          `json:"payment_reference,omitempty"`
	GatewayMetadata      map[string]any  `json:"gateway_metadata,omitempty"`
	TransferGroup        string          `json:"transfer_group,omitempty"`
	TransfersStatus      TransfersStatus `json:"transfers_status"`
	PaidAt               *time.Time      `json:"paid_at,omitempty"`
	RefundedAt           *time.Time      `json:"refunded_at,omitempty"`
	CancelledAt          *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Items                []OrderItem     `json:"items,omitempty"`
}

// IsPaid reports whether funds have been captured and not refunded
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentPaid
}

// CanInitiate reports whether a (new) payment attempt may be started
func (o *Order) CanInitiate() bool {
	return o.PaymentStatus == PaymentPending || o.PaymentStatus == PaymentFailed
}

// CanCancel reports whether the order has not captured any funds
func (o *Order) CanCancel() bool {
	return o.PaymentStatus == PaymentPending || o.PaymentStatus == PaymentFailed
}

// SettlementSource is the charge reference transfers are linked to
func (o *Order) SettlementSource() string {
	if o.PaymentReference != "" {
		return o.PaymentReference
	}
	return o.GatewayTransactionID
}

// DefaultTransferGroup derives the transfer group for an order
func DefaultTransferGroup(orderID string) string {
	return "order_" + orderID
}

// OrderItem is a purchased line. A nil PaymentRecipientID keeps the funds with the platform.
type OrderItem struct {
	ID                 string  `json:"id"`
	OrderID            string  `json:"order_id"`
	Description        string  `json:"description,omitempty"`
	PaymentRecipientID *string `json:"payment_recipient_id,omitempty"`
	SellerAmountMinor  *int64  `json:"seller_amount_minor,omitempty"`
	TotalPriceMinor    int64   `json:"total_price_minor"`
}

// PayableMinor is the seller's share of the line, falling back to the line total
func (i OrderItem) PayableMinor() int64 {
	if i.SellerAmountMinor != nil {
		return *i.SellerAmountMinor
	}
	return i.TotalPriceMinor
}

// RecipientShare is the amount owed to one recipient for an order
type RecipientShare struct {
	RecipientID string
	AmountMinor int64
}

// GroupByRecipient sums payable amounts per recipient, skipping platform-retained lines
// and non-positive totals. Shares are ordered by recipient id.
func GroupByRecipient(items []OrderItem) []RecipientShare {
	totals := make(map[string]int64)
	for _, item := range items {
		if item.PaymentRecipientID == nil || *item.PaymentRecipientID == "" {
			continue
		}
		totals[*item.PaymentRecipientID] += item.PayableMinor()
	}

	shares := make([]RecipientShare, 0, len(totals))
	for id, amount := range totals {
		if amount <= 0 {
			continue
		}
		shares = append(shares, RecipientShare{RecipientID: id, AmountMinor: amount})
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].RecipientID < shares[j].RecipientID })
	return shares
}

// AccountStatus represents a recipient's payout account state
type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

// PaymentRecipient is a seller's payout identity
type PaymentRecipient struct {
	ID                string        `json:"id"`
	Name              string        `json:"name,omitempty"`
	ExternalAccountID string        `json:"external_account_id,omitempty"`
	AccountStatus     AccountStatus `json:"account_status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Payable reports whether transfers can be sent to this recipient
func (r *PaymentRecipient) Payable() bool {
	return r != nil && r.AccountStatus == AccountActive && r.ExternalAccountID != ""
}
