package domain

import (
	"time"

	"eventpay/internal/common/money"
)

// TransferStatus is the state of one settlement leg
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// OrderTransfer is one settlement leg to a recipient.
// A row is inserted pending before the provider call and resolved once after it.
type OrderTransfer struct {
	ID                 string         `json:"id"`
	OrderID            string         `json:"order_id"`
	PaymentRecipientID string         `json:"payment_recipient_id"`
	DestinationAccount string         `json:"destination_account"`
	Amount             money.Money    `json:"amount"`
	SourceChargeID     string         `json:"source_charge_id,omitempty"`
	TransferGroup      string         `json:"transfer_group"`
	Status             TransferStatus `json:"status"`
	ProviderTransferID string         `json:"provider_transfer_id,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}
