package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"eventpay/internal/payments/domain"
)

// TransactionFilter narrows a transaction history query
type TransactionFilter struct {
	OrderID string
	Type    domain.TransactionType
	Status  domain.TransactionStatus
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// Clause builds the WHERE and paging clause with positional arguments
func (f TransactionFilter) Clause() (string, []any) {
	var conds []string
	var args []any
	argIdx := 1

	add := func(cond string, v any) {
		conds = append(conds, fmt.Sprintf(cond, argIdx))
		args = append(args, v)
		argIdx++
	}

	if f.OrderID != "" {
		add("order_id = $%d", f.OrderID)
	}
	if f.Type != "" {
		add("transaction_type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}

	clause := ""
	if len(conds) > 0 {
		clause = " WHERE " + strings.Join(conds, " AND ")
	}
	clause += " ORDER BY created_at, id"

	if f.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		clause += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}
	return clause, args
}

// AppendTransaction inserts a ledger row. Rows are never updated.
func (s *Store) AppendTransaction(ctx context.Context, t *domain.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (
			id, order_id, gateway_code, transaction_type, status, amount_minor, currency,
			external_id, request, response, error_message, requested_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	var amount *int64
	if t.AmountMinor != 0 {
		amount = &t.AmountMinor
	}
	_, err := s.db.Exec(ctx, query,
		t.ID, t.OrderID, t.GatewayCode, t.TransactionType, t.Status, amount, nullStr(t.Currency),
		nullStr(t.ExternalID), nullJSON(t.Request), nullJSON(t.Response),
		nullStr(t.ErrorMessage), nullStr(t.RequestedBy), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending transaction: %w", err)
	}
	return nil
}

// ListTransactions returns ledger rows matching the filter, oldest first
func (s *Store) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*domain.PaymentTransaction, error) {
	clause, args := filter.Clause()
	query := `
		SELECT id, order_id, gateway_code, transaction_type, status,
			   COALESCE(amount_minor, 0), COALESCE(currency, ''), COALESCE(external_id, ''),
			   request, response, COALESCE(error_message, ''), COALESCE(requested_by, ''), created_at
		FROM payment_transactions` + clause

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.PaymentTransaction
	for rows.Next() {
		var t domain.PaymentTransaction
		var request, response []byte
		if err := rows.Scan(
			&t.ID, &t.OrderID, &t.GatewayCode, &t.TransactionType, &t.Status,
			&t.AmountMinor, &t.Currency, &t.ExternalID,
			&request, &response, &t.ErrorMessage, &t.RequestedBy, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		t.Request = request
		t.Response = response
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

// AppendWebhookLog stores an inbound notification before it is interpreted
func (s *Store) AppendWebhookLog(ctx context.Context, log *domain.WebhookLog) error {
	query := `
		INSERT INTO webhook_logs (id, gateway_code, webhook_type, event_id, payload, signature, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`
	_, err := s.db.Exec(ctx, query,
		log.ID, log.GatewayCode, nullStr(log.WebhookType), nullStr(log.EventID),
		log.Payload, nullStr(log.Signature), log.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("appending webhook log: %w", err)
	}
	return nil
}

// ResolveWebhookLog records how a logged notification was handled. A row is resolved once.
func (s *Store) ResolveWebhookLog(ctx context.Context, id string, res domain.WebhookResolution) error {
	query := `
		UPDATE webhook_logs
		SET processed = $2,
			outcome = $3,
			webhook_type = COALESCE(NULLIF($4, ''), webhook_type),
			event_id = COALESCE(NULLIF($5, ''), event_id),
			order_id = NULLIF($6, ''),
			error_message = NULLIF($7, ''),
			processed_at = CASE WHEN $2 THEN NOW() ELSE NULL END
		WHERE id = $1 AND outcome IS NULL
	`
	_, err := s.db.Exec(ctx, query, id, res.Processed, res.Outcome, res.WebhookType, res.EventID, res.OrderID, res.ErrorMessage)
	if err != nil {
		return fmt.Errorf("resolving webhook log: %w", err)
	}
	return nil
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
