package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eventpay/internal/common/database"
	"eventpay/internal/common/events"
	"eventpay/internal/common/money"
	"eventpay/internal/gateway"
	"eventpay/internal/payments/domain"
	"eventpay/internal/payments/store"
)

// memStore models the row-level conditional updates of the Postgres store
type memStore struct {
	mu         sync.Mutex
	orders     map[string]*domain.Order
	recipients map[string]*domain.PaymentRecipient
	transfers  []*domain.OrderTransfer
	txs        []*domain.PaymentTransaction
	logs       []*domain.WebhookLog
	confirmed  map[string]int
	paidWrites int

	appendLogErr error
}

func newMemStore() *memStore {
	return &memStore{
		orders:     map[string]*domain.Order{},
		recipients: map[string]*domain.PaymentRecipient{},
		confirmed:  map[string]int{},
	}
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	c.GatewayMetadata = map[string]any{}
	for k, v := range o.GatewayMetadata {
		c.GatewayMetadata[k] = v
	}
	return &c
}

func merge(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (m *memStore) addOrder(o *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.TransfersStatus == "" {
		o.TransfersStatus = domain.TransfersNotRequired
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = domain.PaymentPending
	}
	m.orders[o.ID] = o
}

func (m *memStore) addRecipient(r *domain.PaymentRecipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[r.ID] = r
}

func (m *memStore) order(id string) *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOrder(m.orders[id])
}

func (m *memStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *memStore) FindOrderByGatewayRef(_ context.Context, gatewayCode, ref string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.GatewayCode == gatewayCode && (o.GatewayTransactionID == ref || o.PaymentReference == ref) {
			return cloneOrder(o), nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) SaveInitiation(_ context.Context, orderID, gatewayCode, transactionID, transferGroup string, metadata map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || !o.CanInitiate() || (o.GatewayCode != "" && o.GatewayCode != gatewayCode) {
		return false, nil
	}
	o.GatewayCode = gatewayCode
	o.GatewayTransactionID = transactionID
	if o.TransferGroup == "" {
		o.TransferGroup = transferGroup
	}
	o.GatewayMetadata = merge(o.GatewayMetadata, metadata)
	o.PaymentStatus = domain.PaymentPending
	return true, nil
}

func (m *memStore) MergeGatewayMetadata(_ context.Context, orderID string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.GatewayMetadata = merge(o.GatewayMetadata, metadata)
	}
	return nil
}

func (m *memStore) MarkPaid(_ context.Context, orderID, paymentReference string, metadata map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != domain.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentPaid
	if paymentReference != "" {
		o.PaymentReference = paymentReference
	}
	now := time.Now()
	o.PaidAt = &now
	o.GatewayMetadata = merge(o.GatewayMetadata, metadata)
	m.confirmed[orderID]++
	m.paidWrites++
	return true, nil
}

func (m *memStore) MarkFailed(_ context.Context, orderID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != domain.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentFailed
	o.GatewayMetadata = merge(o.GatewayMetadata, map[string]any{"failure_reason": reason})
	return true, nil
}

func (m *memStore) MarkRefunded(_ context.Context, orderID string, metadata map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != domain.PaymentPaid {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentRefunded
	now := time.Now()
	o.RefundedAt = &now
	o.GatewayMetadata = merge(o.GatewayMetadata, metadata)
	return true, nil
}

func (m *memStore) MarkCancelled(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || !o.CanCancel() {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentCancelled
	now := time.Now()
	o.CancelledAt = &now
	return true, nil
}

func (m *memStore) BeginSettlement(_ context.Context, orderID, transferGroup string, from ...domain.TransfersStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != domain.PaymentPaid {
		return false, nil
	}
	for _, st := range from {
		if o.TransfersStatus == st {
			o.TransfersStatus = domain.TransfersProcessing
			if o.TransferGroup == "" {
				o.TransferGroup = transferGroup
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) FinishSettlement(_ context.Context, orderID string, status domain.TransfersStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.TransfersStatus != domain.TransfersProcessing {
		return database.ErrConflict
	}
	o.TransfersStatus = status
	return nil
}

func (m *memStore) GetRecipients(_ context.Context, ids []string) (map[string]*domain.PaymentRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]*domain.PaymentRecipient{}
	for _, id := range ids {
		if r, ok := m.recipients[id]; ok {
			c := *r
			out[id] = &c
		}
	}
	return out, nil
}

func (m *memStore) UpdateRecipientAccountStatus(_ context.Context, externalAccountID string, status domain.AccountStatus) (*domain.PaymentRecipient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recipients {
		if r.ExternalAccountID != externalAccountID {
			continue
		}
		changed := r.AccountStatus != status
		r.AccountStatus = status
		c := *r
		return &c, changed, nil
	}
	return nil, false, database.ErrNotFound
}

func (m *memStore) CreateTransfer(_ context.Context, t *domain.OrderTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.transfers = append(m.transfers, &c)
	return nil
}

func (m *memStore) ResolveTransfer(_ context.Context, id string, status domain.TransferStatus, providerTransferID, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transfers {
		if t.ID == id && t.Status == domain.TransferPending {
			t.Status = status
			t.ProviderTransferID = providerTransferID
			t.ErrorMessage = errorMessage
			return nil
		}
	}
	return database.ErrConflict
}

func (m *memStore) ListTransfers(_ context.Context, orderID string) ([]*domain.OrderTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.OrderTransfer
	for _, t := range m.transfers {
		if t.OrderID == orderID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) AppendTransaction(_ context.Context, t *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.txs = append(m.txs, &c)
	return nil
}

func (m *memStore) ListTransactions(_ context.Context, f store.TransactionFilter) ([]*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PaymentTransaction
	for _, t := range m.txs {
		if f.OrderID != "" && t.OrderID != f.OrderID {
			continue
		}
		if f.Type != "" && t.TransactionType != f.Type {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (m *memStore) AppendWebhookLog(_ context.Context, log *domain.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendLogErr != nil {
		return m.appendLogErr
	}
	c := *log
	m.logs = append(m.logs, &c)
	return nil
}

func (m *memStore) ResolveWebhookLog(_ context.Context, id string, res domain.WebhookResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.logs {
		if l.ID != id || l.Outcome != "" {
			continue
		}
		l.Processed = res.Processed
		l.Outcome = res.Outcome
		if res.WebhookType != "" {
			l.WebhookType = res.WebhookType
		}
		if res.EventID != "" {
			l.EventID = res.EventID
		}
		if res.OrderID != "" {
			orderID := res.OrderID
			l.OrderID = &orderID
		}
		l.ErrorMessage = res.ErrorMessage
		if res.Processed {
			now := time.Now()
			l.ProcessedAt = &now
		}
	}
	return nil
}

func (m *memStore) transfersFor(orderID string) []*domain.OrderTransfer {
	out, _ := m.ListTransfers(context.Background(), orderID)
	return out
}

func (m *memStore) transactionsOf(orderID string, txType domain.TransactionType) []*domain.PaymentTransaction {
	out, _ := m.ListTransactions(context.Background(), store.TransactionFilter{OrderID: orderID, Type: txType})
	return out
}

func (m *memStore) webhookLogs() []domain.WebhookLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WebhookLog, len(m.logs))
	for i, l := range m.logs {
		out[i] = *l
	}
	return out
}

// fakeDriver is a scripted provider. Webhooks are JSON signed with X-Test-Signature.
type fakeDriver struct {
	code   string
	secret string

	mu            sync.Mutex
	paid          bool
	statusDelay   time.Duration
	initiateErr   string
	refundErr     string
	failAccounts  map[string]bool
	noPayouts     bool
	initiates     int
	statusChecks  int
	refunds       []int64
	cancels       int
	transferCalls []gateway.TransferRequest
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{code: "fake", failAccounts: map[string]bool{}}
}

func (d *fakeDriver) Code() string { return d.code }
func (d *fakeDriver) Name() string { return "Fake Pay" }

func (d *fakeDriver) IsAvailable(recipientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return recipientID == "" || !d.noPayouts
}

func (d *fakeDriver) Initiate(_ context.Context, req gateway.InitiateRequest) gateway.InitiateResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initiates++
	if d.initiateErr != "" {
		return gateway.InitiateResult{Error: d.initiateErr, Raw: json.RawMessage(`{"error":"declined"}`)}
	}
	id := fmt.Sprintf("tx_%s_%d", req.OrderID, d.initiates)
	return gateway.InitiateResult{
		Success:       true,
		TransactionID: id,
		RedirectURL:   "https://pay.example/" + id,
		Metadata:      map[string]any{"session_id": id},
		Raw:           json.RawMessage(`{"id":"` + id + `"}`),
	}
}

func (d *fakeDriver) CheckStatus(ctx context.Context, transactionID string) gateway.StatusResult {
	d.mu.Lock()
	d.statusChecks++
	delay := d.statusDelay
	paid := d.paid
	d.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return gateway.StatusResult{Error: ctx.Err().Error()}
	}
	if paid {
		return gateway.StatusResult{Success: true, Status: "succeeded", Paid: true, PaymentReference: "ch_" + transactionID}
	}
	return gateway.StatusResult{Success: true, Status: "open"}
}

func (d *fakeDriver) Refund(_ context.Context, transactionID string, amountMinor int64) gateway.RefundResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refunds = append(d.refunds, amountMinor)
	if d.refundErr != "" {
		return gateway.RefundResult{Error: d.refundErr}
	}
	return gateway.RefundResult{Success: true, RefundID: "re_" + transactionID, Status: "succeeded", AmountMinor: amountMinor}
}

func (d *fakeDriver) Cancel(_ context.Context, transactionID string) gateway.CancelResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
	return gateway.CancelResult{Success: true, Status: "expired"}
}

func (d *fakeDriver) CreateTransfer(_ context.Context, req gateway.TransferRequest) gateway.TransferResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transferCalls = append(d.transferCalls, req)
	if d.failAccounts[req.Destination] {
		return gateway.TransferResult{Error: "account restricted"}
	}
	return gateway.TransferResult{
		Success:     true,
		TransferID:  fmt.Sprintf("tr_%d", len(d.transferCalls)),
		AmountMinor: req.Amount.AmountMinor,
		Destination: req.Destination,
	}
}

func (d *fakeDriver) transfers() []gateway.TransferRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gateway.TransferRequest(nil), d.transferCalls...)
}

func (d *fakeDriver) Signature(h http.Header) string {
	return h.Get("X-Test-Signature")
}

func (d *fakeDriver) VerifyWebhook(payload []byte, h http.Header, now time.Time) error {
	if d.secret == "" {
		return nil
	}
	ts, _ := strconv.ParseInt(h.Get("X-Test-Timestamp"), 10, 64)
	var candidates []string
	if sig := h.Get("X-Test-Signature"); sig != "" {
		candidates = append(candidates, sig)
	}
	return gateway.VerifySignature(d.secret, ts, payload, candidates, gateway.DefaultTolerance, now)
}

type fakeEvent struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	TransactionID    string `json:"transaction_id"`
	PaymentReference string `json:"payment_reference"`
	OrderID          string `json:"order_id"`
	Reason           string `json:"reason"`
	AmountMinor      int64  `json:"amount_minor"`
	AccountID        string `json:"account_id"`
	AccountStatus    string `json:"account_status"`
	SubscriptionID   string `json:"subscription_id"`
}

func (d *fakeDriver) ParseWebhook(payload []byte) (*gateway.WebhookEvent, error) {
	var e fakeEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, errors.New("event id missing")
	}
	t := gateway.EventType(e.Type)
	switch t {
	case gateway.EventPaymentSucceeded, gateway.EventPaymentFailed, gateway.EventPaymentAttemptFailed, gateway.EventPaymentAsyncFailed,
		gateway.EventPaymentRefunded, gateway.EventAccountUpdated,
		gateway.EventSubscriptionCreated, gateway.EventSubscriptionUpdated, gateway.EventSubscriptionDeleted:
	default:
		t = gateway.EventUnknown
	}
	return &gateway.WebhookEvent{
		ID:               e.ID,
		Type:             t,
		ProviderType:     e.Type,
		TransactionID:    e.TransactionID,
		PaymentReference: e.PaymentReference,
		OrderReference:   e.OrderID,
		FailureReason:    e.Reason,
		AmountMinor:      e.AmountMinor,
		AccountID:        e.AccountID,
		AccountStatus:    e.AccountStatus,
		SubscriptionID:   e.SubscriptionID,
		Raw:              payload,
	}, nil
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type countingReceipts struct {
	mu    sync.Mutex
	calls int
	err   error
	panic bool
}

func (c *countingReceipts) RequestReceipt(context.Context, *domain.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.panic {
		panic("renderer crashed")
	}
	return c.err
}

func (c *countingReceipts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type countingMailer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingMailer) SendConfirmation(context.Context, *domain.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingMailer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	store     *memStore
	driver    *fakeDriver
	publisher *recordingPublisher
	receipts  *countingReceipts
	mailer    *countingMailer
	svc       *Service
	rec       *Reconciler
	now       time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		store:     newMemStore(),
		driver:    newFakeDriver(),
		publisher: &recordingPublisher{},
		receipts:  &countingReceipts{},
		mailer:    &countingMailer{},
		now:       time.Now(),
	}

	registry, err := gateway.NewRegistry("fake", h.driver)
	require.NoError(t, err)

	notifier := NewNotifier(h.publisher, logger)
	distributor := NewDistributor(h.store, registry, notifier, cfg, logger)
	h.svc = NewService(h.store, registry, distributor, notifier, logger)
	h.svc.SetReceiptRequester(h.receipts)
	h.svc.SetMailer(h.mailer)
	h.rec = NewReconciler(h.store, registry, h.svc, notifier, cfg, logger)
	h.rec.now = func() time.Time { return h.now }
	return h
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64 { return &v }

// seedOrder stores a pending order already initiated on the fake gateway
func (h *harness) seedOrder(id string, total int64, items ...domain.OrderItem) *domain.Order {
	for i := range items {
		items[i].OrderID = id
		if items[i].ID == "" {
			items[i].ID = fmt.Sprintf("%s_item_%d", id, i+1)
		}
	}
	o := &domain.Order{
		ID:                   id,
		OrderNumber:          "EV-" + id,
		TotalAmount:          money.New(total, money.USD),
		CustomerEmail:        "runner@example.com",
		CustomerName:         "Runner",
		PaymentStatus:        domain.PaymentPending,
		GatewayCode:          "fake",
		GatewayTransactionID: "tx_" + id,
		GatewayMetadata:      map[string]any{},
		TransfersStatus:      domain.TransfersNotRequired,
		Items:                items,
	}
	h.store.addOrder(o)
	return o
}

func (h *harness) seedRecipient(id, account string, status domain.AccountStatus) {
	h.store.addRecipient(&domain.PaymentRecipient{ID: id, Name: id, ExternalAccountID: account, AccountStatus: status})
}

func sellerItem(recipientID string, amount int64) domain.OrderItem {
	return domain.OrderItem{PaymentRecipientID: strPtr(recipientID), SellerAmountMinor: i64Ptr(amount), TotalPriceMinor: amount}
}

func platformItem(amount int64) domain.OrderItem {
	return domain.OrderItem{TotalPriceMinor: amount}
}

// deliver posts a webhook to the reconciler, signing it when the driver has a secret
func (h *harness) deliver(t *testing.T, event map[string]any) (*WebhookResult, error) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	header := http.Header{}
	if h.driver.secret != "" {
		ts := h.now.Unix()
		header.Set("X-Test-Timestamp", strconv.FormatInt(ts, 10))
		header.Set("X-Test-Signature", gateway.ComputeSignature(h.driver.secret, ts, payload))
	}
	return h.rec.HandleWebhook(context.Background(), "fake", payload, header)
}

func succeeded(eventID, orderID string) map[string]any {
	return map[string]any{
		"id":                eventID,
		"type":              string(gateway.EventPaymentSucceeded),
		"transaction_id":    "tx_" + orderID,
		"payment_reference": "ch_" + orderID,
	}
}
