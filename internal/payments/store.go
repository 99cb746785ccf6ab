package payments

import (
	"context"

	"eventpay/internal/payments/domain"
	"eventpay/internal/payments/store"
)

// Store persists orders, settlement legs and the audit trail.
// Transition methods return false when the order was not in the expected state,
// which callers treat as "already processed".
type Store interface {
	// Orders
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByGatewayRef(ctx context.Context, gatewayCode, ref string) (*domain.Order, error)
	SaveInitiation(ctx context.Context, orderID, gatewayCode, transactionID, transferGroup string, metadata map[string]any) (bool, error)
	MergeGatewayMetadata(ctx context.Context, orderID string, metadata map[string]any) error
	MarkPaid(ctx context.Context, orderID, paymentReference string, metadata map[string]any) (bool, error)
	MarkFailed(ctx context.Context, orderID, reason string) (bool, error)
	MarkRefunded(ctx context.Context, orderID string, metadata map[string]any) (bool, error)
	MarkCancelled(ctx context.Context, orderID string) (bool, error)

	// Settlement
	BeginSettlement(ctx context.Context, orderID, transferGroup string, from ...domain.TransfersStatus) (bool, error)
	FinishSettlement(ctx context.Context, orderID string, status domain.TransfersStatus) error
	GetRecipients(ctx context.Context, ids []string) (map[string]*domain.PaymentRecipient, error)
	UpdateRecipientAccountStatus(ctx context.Context, externalAccountID string, status domain.AccountStatus) (*domain.PaymentRecipient, bool, error)
	CreateTransfer(ctx context.Context, t *domain.OrderTransfer) error
	ResolveTransfer(ctx context.Context, id string, status domain.TransferStatus, providerTransferID, errorMessage string) error
	ListTransfers(ctx context.Context, orderID string) ([]*domain.OrderTransfer, error)

	// Audit trail
	AppendTransaction(ctx context.Context, t *domain.PaymentTransaction) error
	ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.PaymentTransaction, error)
	AppendWebhookLog(ctx context.Context, log *domain.WebhookLog) error
	ResolveWebhookLog(ctx context.Context, id string, res domain.WebhookResolution) error
}

var _ Store = (*store.Store)(nil)
