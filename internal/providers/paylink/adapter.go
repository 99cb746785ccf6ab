// Package paylink provides a hosted-redirect payment driver for Paylink.
// Paylink speaks decimal major-unit amounts and has no connected-account payouts.
package paylink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"eventpay/internal/common/money"
	"eventpay/internal/gateway"
)

// Code identifies the Paylink driver in the registry and on orders.
const Code = "paylink"

// Config holds Paylink driver configuration.
type Config struct {
	BaseURL          string        `envconfig:"PAYLINK_BASE_URL" default:"https://api.paylink.example"`
	APIKey           string        `envconfig:"PAYLINK_API_KEY"`
	WebhookSecret    string        `envconfig:"PAYLINK_WEBHOOK_SECRET"`
	ReturnURL        string        `envconfig:"PAYLINK_RETURN_URL"`
	Timeout          time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	WebhookTolerance time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`
}

// Payment statuses reported by Paylink.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusRefunded  = "refunded"
)

type customer struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// createPaymentRequest is the request body for payment creation.
type createPaymentRequest struct {
	Reference   string            `json:"reference"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	ReturnURL   string            `json:"return_url,omitempty"`
	Customer    *customer         `json:"customer,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type payment struct {
	ID          string `json:"id"`
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	CheckoutURL string `json:"checkout_url"`
}

type refundRequest struct {
	Amount string `json:"amount,omitempty"`
}

type refundResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Adapter implements gateway.Driver and gateway.WebhookParser for Paylink.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

var (
	_ gateway.Driver        = (*Adapter)(nil)
	_ gateway.WebhookParser = (*Adapter)(nil)
)

// NewAdapter creates a new Paylink adapter.
func NewAdapter(config Config, logger *slog.Logger) *Adapter {
	if config.WebhookTolerance <= 0 {
		config.WebhookTolerance = gateway.DefaultTolerance
	}
	return &Adapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With("gateway", Code),
	}
}

func (a *Adapter) Code() string { return Code }
func (a *Adapter) Name() string { return "Paylink" }

// IsAvailable is true only for platform charges; Paylink cannot pay out to recipients.
func (a *Adapter) IsAvailable(recipientID string) bool {
	return recipientID == "" && a.config.APIKey != ""
}

// Initiate creates a hosted payment page.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) gateway.InitiateResult {
	if !req.Amount.IsPositive() {
		return gateway.InitiateResult{Error: "amount must be positive"}
	}
	if req.Destination != "" {
		return gateway.InitiateResult{Error: "paylink does not support destination charges"}
	}

	body := createPaymentRequest{
		Reference:   req.OrderID,
		Amount:      req.Amount.MajorString(),
		Currency:    string(req.Amount.Currency),
		Description: req.Description,
		ReturnURL:   a.config.ReturnURL,
		Metadata:    map[string]string{"order_id": req.OrderID, "order_number": req.OrderNumber},
	}
	if body.Description == "" {
		body.Description = "Order " + req.OrderNumber
	}
	if req.CustomerEmail != "" || req.CustomerName != "" {
		body.Customer = &customer{Email: req.CustomerEmail, Name: req.CustomerName}
	}

	raw, err := a.do(ctx, http.MethodPost, "/v1/payments", body)
	if err != nil {
		return gateway.InitiateResult{Error: err.Error(), Raw: raw}
	}

	var p payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return gateway.InitiateResult{Error: fmt.Sprintf("decoding payment: %v", err), Raw: raw}
	}

	a.logger.Info("paylink payment created",
		"order_id", req.OrderID,
		"payment_id", p.ID,
		"amount", body.Amount,
		"currency", body.Currency,
	)

	return gateway.InitiateResult{
		Success:       true,
		TransactionID: p.ID,
		RedirectURL:   p.CheckoutURL,
		Metadata:      map[string]any{"payment_id": p.ID, "reference": p.Reference},
		Raw:           raw,
	}
}

// CheckStatus retrieves a payment.
func (a *Adapter) CheckStatus(ctx context.Context, transactionID string) gateway.StatusResult {
	raw, err := a.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return gateway.StatusResult{Error: err.Error(), Raw: raw}
	}

	var p payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return gateway.StatusResult{Error: fmt.Sprintf("decoding payment: %v", err), Raw: raw}
	}

	return gateway.StatusResult{
		Success:          true,
		Status:           p.Status,
		Paid:             p.Status == StatusCompleted,
		PaymentReference: p.ID,
		Raw:              raw,
	}
}

// Refund refunds a completed payment. Zero refunds the remaining balance.
func (a *Adapter) Refund(ctx context.Context, transactionID string, amountMinor int64) gateway.RefundResult {
	var req refundRequest
	var currency money.Currency
	if amountMinor > 0 {
		// The refund amount must be rendered in the payment's currency precision.
		st := a.CheckStatus(ctx, transactionID)
		if !st.Success {
			return gateway.RefundResult{Error: st.Error, Raw: st.Raw}
		}
		var p payment
		_ = json.Unmarshal(st.Raw, &p)
		currency = money.Currency(p.Currency)
		req.Amount = money.New(amountMinor, currency).MajorString()
	}

	raw, err := a.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(transactionID)+"/refunds", req)
	if err != nil {
		return gateway.RefundResult{Error: err.Error(), Raw: raw}
	}

	var r refundResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return gateway.RefundResult{Error: fmt.Sprintf("decoding refund: %v", err), Raw: raw}
	}
	if r.Status == StatusFailed {
		return gateway.RefundResult{RefundID: r.ID, Status: r.Status, Error: "refund failed", Raw: raw}
	}

	if r.Currency != "" {
		currency = money.Currency(r.Currency)
	}
	refunded, err := money.ParseMajor(r.Amount, currency)
	if err != nil && r.Amount != "" {
		return gateway.RefundResult{RefundID: r.ID, Status: r.Status, Error: err.Error(), Raw: raw}
	}

	a.logger.Info("paylink refund created",
		"payment_id", transactionID,
		"refund_id", r.ID,
		"amount", r.Amount,
	)

	return gateway.RefundResult{
		Success:     true,
		RefundID:    r.ID,
		Status:      r.Status,
		AmountMinor: refunded.AmountMinor,
		Raw:         raw,
	}
}

// Cancel cancels a payment that has not completed.
func (a *Adapter) Cancel(ctx context.Context, transactionID string) gateway.CancelResult {
	raw, err := a.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(transactionID)+"/cancel", struct{}{})
	if err != nil {
		return gateway.CancelResult{Error: err.Error(), Raw: raw}
	}

	var p payment
	_ = json.Unmarshal(raw, &p)

	a.logger.Info("paylink payment cancelled", "payment_id", transactionID, "status", p.Status)

	return gateway.CancelResult{Success: true, Status: p.Status, Raw: raw}
}

// CreateTransfer is not offered by Paylink.
func (a *Adapter) CreateTransfer(ctx context.Context, req gateway.TransferRequest) gateway.TransferResult {
	return gateway.TransferResult{Error: fmt.Sprintf("%s: %v", Code, gateway.ErrNotSupported)}
}

// do performs a JSON API call and returns the raw response body.
func (a *Adapter) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("paylink request failed", "path", path, "error", err)
		return nil, fmt.Errorf("paylink request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading paylink response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Message != "" {
			return gateway.RawJSON(respBody), fmt.Errorf("paylink error (status %d): %s", resp.StatusCode, e.Message)
		}
		return gateway.RawJSON(respBody), fmt.Errorf("paylink error (status %d)", resp.StatusCode)
	}

	return gateway.RawJSON(respBody), nil
}
