// Package stripe provides a Stripe payment driver using Checkout Sessions,
// PaymentIntents, Refunds and Connect transfers.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"eventpay/internal/gateway"
)

// Code identifies the Stripe driver in the registry and on orders.
const Code = "stripe"

// Config holds Stripe driver configuration.
type Config struct {
	BaseURL          string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com"`
	SecretKey        string        `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret    string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	SuccessURL       string        `envconfig:"STRIPE_SUCCESS_URL"`
	CancelURL        string        `envconfig:"STRIPE_CANCEL_URL"`
	Mode             string        `envconfig:"STRIPE_MODE" default:"checkout"` // checkout | payment_intent
	Timeout          time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	WebhookTolerance time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`
}

// Payment collection modes.
const (
	ModeCheckout      = "checkout"
	ModePaymentIntent = "payment_intent"
)

// Adapter implements gateway.Driver and gateway.WebhookParser for Stripe.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

var (
	_ gateway.Driver        = (*Adapter)(nil)
	_ gateway.WebhookParser = (*Adapter)(nil)
)

// NewAdapter creates a new Stripe adapter.
func NewAdapter(config Config, logger *slog.Logger) *Adapter {
	if config.Mode == "" {
		config.Mode = ModeCheckout
	}
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
func (a *Adapter) Name() string { return "Stripe" }

// IsAvailable reports true for any recipient: Connect accounts can receive transfers.
func (a *Adapter) IsAvailable(recipientID string) bool {
	return a.config.SecretKey != ""
}

type checkoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

type paymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	ClientSecret     string            `json:"client_secret"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

type transfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Initiate creates a Checkout Session, or a PaymentIntent in payment_intent mode.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) gateway.InitiateResult {
	if !req.Amount.IsPositive() {
		return gateway.InitiateResult{Error: "amount must be positive"}
	}
	if a.config.Mode == ModePaymentIntent {
		return a.createPaymentIntent(ctx, req)
	}
	return a.createCheckoutSession(ctx, req)
}

func (a *Adapter) createCheckoutSession(ctx context.Context, req gateway.InitiateRequest) gateway.InitiateResult {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", a.config.SuccessURL)
	form.Set("cancel_url", a.config.CancelURL)
	form.Set("client_reference_id", req.OrderID)
	if req.CustomerEmail != "" {
		form.Set("customer_email", req.CustomerEmail)
	}
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", req.Amount.Currency.Lower())
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", describe(req))
	form.Set("metadata[order_id]", req.OrderID)
	form.Set("metadata[order_number]", req.OrderNumber)
	form.Set("payment_intent_data[metadata][order_id]", req.OrderID)
	if req.TransferGroup != "" {
		form.Set("payment_intent_data[transfer_group]", req.TransferGroup)
	}
	if req.Destination != "" {
		form.Set("payment_intent_data[transfer_data][destination]", req.Destination)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	body, err := a.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, "initiate-"+req.OrderID+"-"+ulid.Make().String())
	if err != nil {
		return gateway.InitiateResult{Error: err.Error(), Raw: body}
	}

	var s checkoutSession
	if err := json.Unmarshal(body, &s); err != nil {
		return gateway.InitiateResult{Error: fmt.Sprintf("decoding checkout session: %v", err), Raw: body}
	}

	a.logger.Info("checkout session created",
		"order_id", req.OrderID,
		"session_id", s.ID,
		"amount_minor", req.Amount.AmountMinor,
		"currency", req.Amount.Currency,
	)

	return gateway.InitiateResult{
		Success:       true,
		TransactionID: s.ID,
		RedirectURL:   s.URL,
		Metadata: map[string]any{
			"session_id":     s.ID,
			"payment_intent": s.PaymentIntent,
			"mode":           ModeCheckout,
		},
		Raw: body,
	}
}

func (a *Adapter) createPaymentIntent(ctx context.Context, req gateway.InitiateRequest) gateway.InitiateResult {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("currency", req.Amount.Currency.Lower())
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("description", describe(req))
	form.Set("metadata[order_id]", req.OrderID)
	form.Set("metadata[order_number]", req.OrderNumber)
	if req.CustomerEmail != "" {
		form.Set("receipt_email", req.CustomerEmail)
	}
	if req.TransferGroup != "" {
		form.Set("transfer_group", req.TransferGroup)
	}
	if req.Destination != "" {
		form.Set("transfer_data[destination]", req.Destination)
	}

	body, err := a.do(ctx, http.MethodPost, "/v1/payment_intents", form, "initiate-"+req.OrderID+"-"+ulid.Make().String())
	if err != nil {
		return gateway.InitiateResult{Error: err.Error(), Raw: body}
	}

	var pi paymentIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return gateway.InitiateResult{Error: fmt.Sprintf("decoding payment intent: %v", err), Raw: body}
	}

	a.logger.Info("payment intent created",
		"order_id", req.OrderID,
		"payment_intent", pi.ID,
		"amount_minor", req.Amount.AmountMinor,
	)

	return gateway.InitiateResult{
		Success:       true,
		TransactionID: pi.ID,
		ClientSecret:  pi.ClientSecret,
		Metadata: map[string]any{
			"payment_intent": pi.ID,
			"mode":           ModePaymentIntent,
		},
		Raw: body,
	}
}

// CheckStatus retrieves the session or payment intent behind transactionID.
func (a *Adapter) CheckStatus(ctx context.Context, transactionID string) gateway.StatusResult {
	if isCheckoutSession(transactionID) {
		s, body, err := a.getSession(ctx, transactionID)
		if err != nil {
			return gateway.StatusResult{Error: err.Error(), Raw: body}
		}
		return gateway.StatusResult{
			Success:          true,
			Status:           s.PaymentStatus,
			Paid:             s.PaymentStatus == "paid",
			PaymentReference: s.PaymentIntent,
			Raw:              body,
		}
	}

	pi, body, err := a.getPaymentIntent(ctx, transactionID)
	if err != nil {
		return gateway.StatusResult{Error: err.Error(), Raw: body}
	}
	return gateway.StatusResult{
		Success:          true,
		Status:           pi.Status,
		Paid:             pi.Status == "succeeded",
		PaymentReference: pi.ID,
		Raw:              body,
	}
}

// Refund refunds the payment intent behind transactionID.
func (a *Adapter) Refund(ctx context.Context, transactionID string, amountMinor int64) gateway.RefundResult {
	piID, err := a.paymentIntentFor(ctx, transactionID)
	if err != nil {
		return gateway.RefundResult{Error: err.Error()}
	}

	form := url.Values{}
	form.Set("payment_intent", piID)
	if amountMinor > 0 {
		form.Set("amount", strconv.FormatInt(amountMinor, 10))
	}

	body, err := a.do(ctx, http.MethodPost, "/v1/refunds", form, "refund-"+piID+"-"+ulid.Make().String())
	if err != nil {
		return gateway.RefundResult{Error: err.Error(), Raw: body}
	}

	var r refund
	if err := json.Unmarshal(body, &r); err != nil {
		return gateway.RefundResult{Error: fmt.Sprintf("decoding refund: %v", err), Raw: body}
	}
	if r.Status == "failed" || r.Status == "canceled" {
		return gateway.RefundResult{RefundID: r.ID, Status: r.Status, Error: "refund " + r.Status, Raw: body}
	}

	a.logger.Info("refund created",
		"payment_intent", piID,
		"refund_id", r.ID,
		"amount_minor", r.Amount,
		"status", r.Status,
	)

	return gateway.RefundResult{
		Success:     true,
		RefundID:    r.ID,
		Status:      r.Status,
		AmountMinor: r.Amount,
		Raw:         body,
	}
}

// Cancel expires an open Checkout Session or cancels an uncaptured PaymentIntent.
func (a *Adapter) Cancel(ctx context.Context, transactionID string) gateway.CancelResult {
	path := "/v1/payment_intents/" + url.PathEscape(transactionID) + "/cancel"
	if isCheckoutSession(transactionID) {
		path = "/v1/checkout/sessions/" + url.PathEscape(transactionID) + "/expire"
	}

	body, err := a.do(ctx, http.MethodPost, path, url.Values{}, "")
	if err != nil {
		return gateway.CancelResult{Error: err.Error(), Raw: body}
	}

	var obj struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &obj)

	a.logger.Info("charge cancelled", "transaction_id", transactionID, "status", obj.Status)

	return gateway.CancelResult{Success: true, Status: obj.Status, Raw: body}
}

// CreateTransfer sends funds to a connected account, linked to the source charge.
func (a *Adapter) CreateTransfer(ctx context.Context, req gateway.TransferRequest) gateway.TransferResult {
	if !req.Amount.IsPositive() {
		return gateway.TransferResult{Error: "transfer amount must be positive"}
	}
	if req.Destination == "" {
		return gateway.TransferResult{Error: "transfer destination is required"}
	}

	chargeID, err := a.chargeFor(ctx, req.SourceChargeID)
	if err != nil {
		return gateway.TransferResult{Error: err.Error()}
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("currency", req.Amount.Currency.Lower())
	form.Set("destination", req.Destination)
	if chargeID != "" {
		form.Set("source_transaction", chargeID)
	}
	if req.TransferGroup != "" {
		form.Set("transfer_group", req.TransferGroup)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	body, err := a.do(ctx, http.MethodPost, "/v1/transfers", form, req.IdempotencyKey)
	if err != nil {
		return gateway.TransferResult{Error: err.Error(), Raw: body}
	}

	var tr transfer
	if err := json.Unmarshal(body, &tr); err != nil {
		return gateway.TransferResult{Error: fmt.Sprintf("decoding transfer: %v", err), Raw: body}
	}

	a.logger.Info("transfer created",
		"transfer_id", tr.ID,
		"destination", tr.Destination,
		"amount_minor", tr.Amount,
		"source_transaction", chargeID,
		"transfer_group", req.TransferGroup,
	)

	return gateway.TransferResult{
		Success:     true,
		TransferID:  tr.ID,
		AmountMinor: tr.Amount,
		Destination: tr.Destination,
		Raw:         body,
	}
}

func (a *Adapter) getSession(ctx context.Context, id string) (*checkoutSession, []byte, error) {
	body, err := a.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, "")
	if err != nil {
		return nil, body, err
	}
	var s checkoutSession
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, body, fmt.Errorf("decoding checkout session: %w", err)
	}
	return &s, body, nil
}

func (a *Adapter) getPaymentIntent(ctx context.Context, id string) (*paymentIntent, []byte, error) {
	body, err := a.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, "")
	if err != nil {
		return nil, body, err
	}
	var pi paymentIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return nil, body, fmt.Errorf("decoding payment intent: %w", err)
	}
	return &pi, body, nil
}

// paymentIntentFor resolves a session id to its payment intent.
func (a *Adapter) paymentIntentFor(ctx context.Context, transactionID string) (string, error) {
	if !isCheckoutSession(transactionID) {
		return transactionID, nil
	}
	s, _, err := a.getSession(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if s.PaymentIntent == "" {
		return "", fmt.Errorf("checkout session %s has no payment intent", transactionID)
	}
	return s.PaymentIntent, nil
}

// chargeFor resolves a payment reference to the charge a transfer must be sourced from.
func (a *Adapter) chargeFor(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "", strings.HasPrefix(ref, "ch_"), strings.HasPrefix(ref, "py_"):
		return ref, nil
	case isCheckoutSession(ref):
		piID, err := a.paymentIntentFor(ctx, ref)
		if err != nil {
			return "", err
		}
		ref = piID
	}

	pi, _, err := a.getPaymentIntent(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving source charge: %w", err)
	}
	if pi.LatestCharge == "" {
		return "", fmt.Errorf("payment intent %s has no charge", pi.ID)
	}
	return pi.LatestCharge, nil
}

// do performs a form-encoded Stripe API call and returns the raw response body.
func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	var body io.Reader
	if form != nil && method != http.MethodGet {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.config.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("stripe request failed", "path", path, "error", err)
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading stripe response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return gateway.RawJSON(respBody), fmt.Errorf("stripe error (status %d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return gateway.RawJSON(respBody), fmt.Errorf("stripe error (status %d)", resp.StatusCode)
	}

	return gateway.RawJSON(respBody), nil
}

func isCheckoutSession(id string) bool {
	return strings.HasPrefix(id, "cs_")
}

func describe(req gateway.InitiateRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return "Order " + req.OrderNumber
}

