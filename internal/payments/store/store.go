package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"eventpay/internal/common/database"
	"eventpay/internal/common/money"
	"eventpay/internal/payments/domain"
)

// Store provides payment data access on PostgreSQL.
// Every state transition is a conditional UPDATE keyed on the current state;
// the returned bool reports whether this call performed the transition.
type Store struct {
	db *database.DB
}

// New creates a new payments store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const orderColumns = `
	id, order_number, total_amount_minor, currency,
	COALESCE(customer_email, ''), COALESCE(customer_name, ''),
	payment_status, COALESCE(gateway_code, ''), COALESCE(gateway_transaction_id, ''),
	COALESCE(payment_reference, ''), gateway_metadata, COALESCE(transfer_group, ''),
	transfers_status, paid_at, refunded_at, cancelled_at, created_at, updated_at`

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	items, err := s.getItems(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

// FindOrderByGatewayRef locates an order by the provider's transaction id or payment reference
func (s *Store) FindOrderByGatewayRef(ctx context.Context, gatewayCode, ref string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE gateway_code = $1 AND (gateway_transaction_id = $2 OR payment_reference = $2)
		ORDER BY created_at DESC
		LIMIT 1`

	order, err := scanOrder(s.db.QueryRow(ctx, query, gatewayCode, ref))
	if err != nil {
		return nil, err
	}

	items, err := s.getItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (s *Store) getItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	query := `
		SELECT id, order_id, description, payment_recipient_id, seller_amount_minor, total_price_minor
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at, id
	`

	rows, err := s.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Description, &it.PaymentRecipientID, &it.SellerAmountMinor, &it.TotalPriceMinor); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveInitiation stores the gateway assignment of a successful initiation.
// It is refused once the order has left pending/failed or belongs to another gateway.
func (s *Store) SaveInitiation(ctx context.Context, orderID, gatewayCode, transactionID, transferGroup string, metadata map[string]any) (bool, error) {
	query := `
		UPDATE orders
		SET gateway_code = $2,
			gateway_transaction_id = $3,
			transfer_group = COALESCE(transfer_group, $4),
			gateway_metadata = gateway_metadata || $5::jsonb,
			payment_status = 'pending',
			updated_at = NOW()
		WHERE id = $1
		  AND payment_status IN ('pending', 'failed')
		  AND (gateway_code IS NULL OR gateway_code = $2)
	`

	moved, err := database.Transition(ctx, s.db, query, orderID, gatewayCode, transactionID, transferGroup, jsonObject(metadata))
	if err != nil {
		return false, fmt.Errorf("saving initiation: %w", err)
	}
	return moved, nil
}

// MergeGatewayMetadata adds keys to gateway_metadata without replacing existing ones wholesale
func (s *Store) MergeGatewayMetadata(ctx context.Context, orderID string, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	query := `
		UPDATE orders
		SET gateway_metadata = gateway_metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := s.db.Exec(ctx, query, orderID, jsonObject(metadata)); err != nil {
		return fmt.Errorf("merging gateway metadata: %w", err)
	}
	return nil
}

// MarkPaid moves a pending order to paid and confirms its registrations in one transaction
func (s *Store) MarkPaid(ctx context.Context, orderID, paymentReference string, metadata map[string]any) (bool, error) {
	transitioned := false
	err := s.db.WithTx(ctx, func(q database.Querier) error {
		moved, err := database.Transition(ctx, q, `
			UPDATE orders
			SET payment_status = 'paid',
				payment_reference = COALESCE(NULLIF($2, ''), payment_reference),
				gateway_metadata = gateway_metadata || $3::jsonb,
				paid_at = NOW(),
				updated_at = NOW()
			WHERE id = $1 AND payment_status = 'pending'
		`, orderID, paymentReference, jsonObject(metadata))
		if err != nil {
			return fmt.Errorf("marking order paid: %w", err)
		}
		if !moved {
			return nil
		}

		_, err = q.Exec(ctx, `
			UPDATE registrations
			SET status = 'confirmed', confirmed_at = NOW()
			WHERE order_id = $1 AND status = 'pending'
		`, orderID)
		if err != nil {
			return fmt.Errorf("confirming registrations: %w", err)
		}

		transitioned = true
		return nil
	})
	return transitioned, err
}

// MarkFailed moves a pending order to failed
func (s *Store) MarkFailed(ctx context.Context, orderID, reason string) (bool, error) {
	query := `
		UPDATE orders
		SET payment_status = 'failed',
			gateway_metadata = gateway_metadata || jsonb_build_object('failure_reason', $2::text),
			updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'
	`
	moved, err := database.Transition(ctx, s.db, query, orderID, reason)
	if err != nil {
		return false, fmt.Errorf("marking order failed: %w", err)
	}
	return moved, nil
}

// MarkRefunded moves a paid order to refunded
func (s *Store) MarkRefunded(ctx context.Context, orderID string, metadata map[string]any) (bool, error) {
	query := `
		UPDATE orders
		SET payment_status = 'refunded',
			gateway_metadata = gateway_metadata || $2::jsonb,
			refunded_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND payment_status = 'paid'
	`
	moved, err := database.Transition(ctx, s.db, query, orderID, jsonObject(metadata))
	if err != nil {
		return false, fmt.Errorf("marking order refunded: %w", err)
	}
	return moved, nil
}

// MarkCancelled moves an uncaptured order to cancelled
func (s *Store) MarkCancelled(ctx context.Context, orderID string) (bool, error) {
	query := `
		UPDATE orders
		SET payment_status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('pending', 'failed')
	`
	moved, err := database.Transition(ctx, s.db, query, orderID)
	if err != nil {
		return false, fmt.Errorf("marking order cancelled: %w", err)
	}
	return moved, nil
}

// BeginSettlement claims a paid order for settlement by moving transfers_status to processing.
// Only one caller can win the claim from any of the given states.
func (s *Store) BeginSettlement(ctx context.Context, orderID, transferGroup string, from ...domain.TransfersStatus) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	query := `
		UPDATE orders
		SET transfers_status = 'processing',
			transfer_group = COALESCE(transfer_group, $2),
			updated_at = NOW()
		WHERE id = $1 AND payment_status = 'paid' AND transfers_status = ANY($3)
	`
	moved, err := database.Transition(ctx, s.db, query, orderID, transferGroup, states)
	if err != nil {
		return false, fmt.Errorf("beginning settlement: %w", err)
	}
	return moved, nil
}

// FinishSettlement records the final settlement state of a processing order
func (s *Store) FinishSettlement(ctx context.Context, orderID string, status domain.TransfersStatus) error {
	query := `
		UPDATE orders
		SET transfers_status = $2, updated_at = NOW()
		WHERE id = $1 AND transfers_status = 'processing'
	`
	moved, err := database.Transition(ctx, s.db, query, orderID, status)
	if err != nil {
		return fmt.Errorf("finishing settlement: %w", err)
	}
	if !moved {
		return fmt.Errorf("order %s is not settling: %w", orderID, database.ErrConflict)
	}
	return nil
}

// GetRecipients loads recipients by id
func (s *Store) GetRecipients(ctx context.Context, ids []string) (map[string]*domain.PaymentRecipient, error) {
	out := make(map[string]*domain.PaymentRecipient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT id, name, COALESCE(external_account_id, ''), account_status, created_at, updated_at
		FROM payment_recipients
		WHERE id = ANY($1)
	`
	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("getting recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// UpdateRecipientAccountStatus applies a provider account-status change
func (s *Store) UpdateRecipientAccountStatus(ctx context.Context, externalAccountID string, status domain.AccountStatus) (*domain.PaymentRecipient, bool, error) {
	query := `
		UPDATE payment_recipients
		SET account_status = $2, updated_at = NOW()
		WHERE external_account_id = $1 AND account_status <> $2
		RETURNING id, name, COALESCE(external_account_id, ''), account_status, created_at, updated_at
	`
	r, err := scanRecipient(s.db.QueryRow(ctx, query, externalAccountID, status))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	// Either unknown or already in the requested state.
	r, err = scanRecipient(s.db.QueryRow(ctx, `
		SELECT id, name, COALESCE(external_account_id, ''), account_status, created_at, updated_at
		FROM payment_recipients WHERE external_account_id = $1
	`, externalAccountID))
	if err != nil {
		return nil, false, err
	}
	return r, false, nil
}

// CreateTransfer inserts a pending settlement leg
func (s *Store) CreateTransfer(ctx context.Context, t *domain.OrderTransfer) error {
	query := `
		INSERT INTO order_transfers (
			id, order_id, payment_recipient_id, destination_account, amount_minor, currency,
			source_charge_id, transfer_group, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.Exec(ctx, query,
		t.ID, t.OrderID, t.PaymentRecipientID, t.DestinationAccount,
		t.Amount.AmountMinor, string(t.Amount.Currency),
		nullStr(t.SourceChargeID), t.TransferGroup, t.Status,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating transfer: %w", err)
	}
	return nil
}

// ResolveTransfer records the outcome of a pending leg; resolved legs are never changed again
func (s *Store) ResolveTransfer(ctx context.Context, id string, status domain.TransferStatus, providerTransferID, errorMessage string) error {
	query := `
		UPDATE order_transfers
		SET status = $2, provider_transfer_id = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	moved, err := database.Transition(ctx, s.db, query, id, status, nullStr(providerTransferID), nullStr(errorMessage))
	if err != nil {
		return fmt.Errorf("resolving transfer: %w", err)
	}
	if !moved {
		return fmt.Errorf("transfer %s already resolved: %w", id, database.ErrConflict)
	}
	return nil
}

// ListTransfers lists an order's settlement legs oldest first
func (s *Store) ListTransfers(ctx context.Context, orderID string) ([]*domain.OrderTransfer, error) {
	query := `
		SELECT id, order_id, payment_recipient_id, destination_account, amount_minor, currency,
			   COALESCE(source_charge_id, ''), transfer_group, status,
			   COALESCE(provider_transfer_id, ''), COALESCE(error_message, ''), created_at, updated_at
		FROM order_transfers
		WHERE order_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*domain.OrderTransfer
	for rows.Next() {
		var t domain.OrderTransfer
		var amount int64
		var currency string
		if err := rows.Scan(
			&t.ID, &t.OrderID, &t.PaymentRecipientID, &t.DestinationAccount, &amount, &currency,
			&t.SourceChargeID, &t.TransferGroup, &t.Status,
			&t.ProviderTransferID, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		t.Amount = money.New(amount, money.Currency(currency))
		transfers = append(transfers, &t)
	}
	return transfers, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var amount int64
	var currency string
	err := row.Scan(
		&o.ID, &o.OrderNumber, &amount, &currency,
		&o.CustomerEmail, &o.CustomerName,
		&o.PaymentStatus, &o.GatewayCode, &o.GatewayTransactionID,
		&o.PaymentReference, &o.GatewayMetadata, &o.TransferGroup,
		&o.TransfersStatus, &o.PaidAt, &o.RefundedAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if err = database.NoRows(err); errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	o.TotalAmount = money.New(amount, money.Currency(currency))
	return &o, nil
}

func scanRecipient(row pgx.Row) (*domain.PaymentRecipient, error) {
	var r domain.PaymentRecipient
	err := row.Scan(&r.ID, &r.Name, &r.ExternalAccountID, &r.AccountStatus, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err = database.NoRows(err); errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning recipient: %w", err)
	}
	return &r, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonObject never hands a nil map to a jsonb merge, which would null the column
func jsonObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
