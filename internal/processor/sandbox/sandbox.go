// Package sandbox is a deterministic in-process payment processor. It backs
// local runs and the test suite: outcomes are driven by magic token
// suffixes, state lives in memory, and every mutation is idempotent on the
// caller's reference id the way a real processor's idempotency layer is.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/arcd/internal/processor"
)

// Token suffixes that force outcomes. Any other token attaches and charges
// successfully.
const (
	SuffixAttachFail   = "_attach_fail"
	SuffixDeclined     = "_declined"
	SuffixInsufficient = "_insufficient"
	SuffixExpired      = "_expired"
	SuffixFraud        = "_fraud"
	SuffixUnavailable  = "_unavailable"
)

type account struct {
	customers     map[string]processor.CustomerResult
	methods       map[string]methodRecord
	charges       map[string]processor.ChargeResult // by processor charge id
	chargesByRef  map[string]string                 // reference id -> processor charge id
	refunds       map[string]processor.RefundResult
	refundsByRef  map[string]string
	subscriptions map[string]processor.SubscriptionResult
}

type methodRecord struct {
	processor.PaymentMethodResult
	token    string
	customer string
	detached bool
}

// Processor is the shared sandbox state across all tenants.
type Processor struct {
	mu       sync.Mutex
	accounts map[string]*account // by account id
	now      func() time.Time
}

// New returns an empty sandbox processor.
func New() *Processor {
	return &Processor{
		accounts: make(map[string]*account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the sandbox clock, for tests.
func (p *Processor) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *Processor) account(id string) *account {
	if acc, ok := p.accounts[id]; ok {
		return acc
	}
	acc := &account{
		customers:     make(map[string]processor.CustomerResult),
		methods:       make(map[string]methodRecord),
		charges:       make(map[string]processor.ChargeResult),
		chargesByRef:  make(map[string]string),
		refunds:       make(map[string]processor.RefundResult),
		refundsByRef:  make(map[string]string),
		subscriptions: make(map[string]processor.SubscriptionResult),
	}
	p.accounts[id] = acc
	return acc
}

// Client binds the sandbox to one tenant's credentials.
type Client struct {
	p         *Processor
	creds     processor.Credentials
	tolerance time.Duration
}

// NewClient returns a sandbox client for the given credentials.
func NewClient(p *Processor, creds processor.Credentials, tolerance time.Duration) *Client {
	return &Client{p: p, creds: creds, tolerance: tolerance}
}

// Factory resolves sandbox clients per tenant.
type Factory struct {
	p         *Processor
	creds     map[string]processor.Credentials
	tolerance time.Duration
}

// NewFactory returns a factory over per-tenant credentials. All tenants
// share one sandbox state, partitioned by account id.
func NewFactory(p *Processor, creds map[string]processor.Credentials, tolerance time.Duration) *Factory {
	return &Factory{p: p, creds: creds, tolerance: tolerance}
}

// ForTenant implements processor.Factory.
func (f *Factory) ForTenant(tenant string) (processor.Client, error) {
	creds, ok := f.creds[tenant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", processor.ErrUnknownTenant, tenant)
	}
	return NewClient(f.p, creds, f.tolerance), nil
}

func (c *Client) CreateCustomer(ctx context.Context, req processor.CreateCustomerRequest) (*processor.CustomerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, processor.NewRetriableError("network_error", err.Error())
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	res := processor.CustomerResult{ProcessorCustomerID: "px_cus_" + newToken()}
	c.p.account(c.creds.AccountID).customers[res.ProcessorCustomerID] = res
	return &res, nil
}

func (c *Client) AttachPaymentMethod(ctx context.Context, req processor.AttachPaymentMethodRequest) (*processor.PaymentMethodResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, processor.NewRetriableError("network_error", err.Error())
	}
	if strings.HasSuffix(req.Token, SuffixAttachFail) {
		return nil, processor.NewError("invalid_token", "token cannot be attached")
	}
	if strings.HasSuffix(req.Token, SuffixUnavailable) {
		return nil, processor.NewRetriableError("service_unavailable", "processor temporarily unavailable")
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	acc := c.p.account(c.creds.AccountID)
	if _, ok := acc.customers[req.ProcessorCustomerID]; !ok {
		return nil, processor.NewError("customer_not_found", "unknown processor customer")
	}
	rec := methodRecord{
		PaymentMethodResult: processor.PaymentMethodResult{
			ProcessorMethodID: "px_pm_" + newToken(),
			Kind:              "card",
			Brand:             "visa",
			Last4:             last4(req.Token),
			ExpMonth:          12,
			ExpYear:           c.p.now().Year() + 3,
		},
		token:    req.Token,
		customer: req.ProcessorCustomerID,
	}
	acc.methods[rec.ProcessorMethodID] = rec
	result := rec.PaymentMethodResult
	return &result, nil
}

func (c *Client) DetachPaymentMethod(ctx context.Context, processorMethodID string) error {
	if err := ctx.Err(); err != nil {
		return processor.NewRetriableError("network_error", err.Error())
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	acc := c.p.account(c.creds.AccountID)
	rec, ok := acc.methods[processorMethodID]
	if !ok {
		return processor.NewError("method_not_found", "unknown payment method")
	}
	rec.detached = true
	acc.methods[processorMethodID] = rec
	return nil
}

func (c *Client) GetPaymentMethod(ctx context.Context, processorMethodID string) (*processor.PaymentMethodResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, processor.NewRetriableError("network_error", err.Error())
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	rec, ok := c.p.account(c.creds.AccountID).methods[processorMethodID]
	if !ok || rec.detached {
		return nil, processor.ErrRemoteNotFound
	}
	result := rec.PaymentMethodResult
	return &result, nil
}

func (c *Client) CreateCharge(ctx context.Context, req processor.CreateChargeRequest) (*processor.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, processor.NewRetriableError("network_error", err.Error())
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	acc := c.p.account(c.creds.AccountID)
	if id, ok := acc.chargesByRef[req.ReferenceID]; ok && req.ReferenceID != "" {
		existing := acc.charges[id]
		return &existing, nil
	}
	rec, ok := acc.methods[req.ProcessorMethodID]
	if !ok || rec.detached {
		return nil, processor.NewError("method_not_found", "unknown payment method")
	}
	if strings.HasSuffix(rec.token, SuffixUnavailable) {
		return nil, processor.NewRetriableError("service_unavailable", "processor temporarily unavailable")
	}
	res := processor.ChargeResult{
		ProcessorChargeID: "px_ch_" + newToken(),
		Status:            "succeeded",
	}
	switch {
	case strings.HasSuffix(rec.token, SuffixDeclined):
		res.Status, res.FailureCode, res.FailureMessage = "failed", "card_declined", "the card was declined"
	case strings.HasSuffix(rec.token, SuffixInsufficient):
		res.Status, res.FailureCode, res.FailureMessage = "failed", "insufficient_funds", "insufficient funds"
	case strings.HasSuffix(rec.token, SuffixExpired):
		res.Status, res.FailureCode, res.FailureMessage = "failed", "expired_card", "the card has expired"
	case strings.HasSuffix(rec.token, SuffixFraud):
		res.Status, res.FailureCode, res.FailureMessage = "failed", "fraudulent", "the charge was flagged as fraudulent"
	}
	acc.charges[res.ProcessorChargeID] = res
	if req.ReferenceID != "" {
		acc.chargesByRef[req.ReferenceID] = res.ProcessorChargeID
	}
	return &res, nil
}

func (c *Client) CreateRefund(ctx context.Context, req processor.CreateRefundRequest) (*processor.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, processor.NewRetriableError("network_error", err.Error())
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	acc := c.p.account(c.creds.AccountID)
	if id, ok := acc.refundsByRef[req.ReferenceID]; ok && req.ReferenceID != "" {
		existing := acc.refunds[id]
		return &existing, nil
	}
	charge, ok := acc.charges[req.ProcessorChargeID]
	if !ok {
		return nil, processor.NewError("charge_not_found", "unknown charge")
	}
	if charge.Status != "succeeded" {
		return nil, processor.NewError("charge_not_settled", "charge has not settled")
	}
	res := processor.RefundResult{
		ProcessorRefundID: "px_re_" + newToken(),
		Status:            "succeeded",
	}
	acc.refunds[res.ProcessorRefundID] = res
	if req.ReferenceID != "" {
		acc.refundsByRef[req.ReferenceID] = res.ProcessorRefundID
	}
	return &res, nil
}

func (c *Client) CreateSubscription(ctx context.Context, req processor.CreateSubscriptionRequest) (*processor.SubscriptionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, processor.NewRetriableError("network_error", err.Error())
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	acc := c.p.account(c.creds.AccountID)
	if _, ok := acc.customers[req.ProcessorCustomerID]; !ok {
		return nil, processor.NewError("customer_not_found", "unknown processor customer")
	}
	start := c.p.now()
	end := start.AddDate(0, req.IntervalCount, 0)
	if req.Interval == "year" {
		end = start.AddDate(req.IntervalCount, 0, 0)
	}
	res := processor.SubscriptionResult{
		ProcessorSubscriptionID: "px_sub_" + newToken(),
		Status:                  "active",
		CurrentPeriodStart:      start,
		CurrentPeriodEnd:        end,
	}
	acc.subscriptions[res.ProcessorSubscriptionID] = res
	return &res, nil
}

func (c *Client) UpdateSubscription(ctx context.Context, req processor.UpdateSubscriptionRequest) (*processor.SubscriptionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, processor.NewRetriableError("network_error", err.Error())
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	acc := c.p.account(c.creds.AccountID)
	sub, ok := acc.subscriptions[req.ProcessorSubscriptionID]
	if !ok {
		return nil, processor.NewError("subscription_not_found", "unknown subscription")
	}
	acc.subscriptions[req.ProcessorSubscriptionID] = sub
	return &sub, nil
}

func (c *Client) CancelSubscription(ctx context.Context, processorSubscriptionID string, atPeriodEnd bool) (*processor.SubscriptionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, processor.NewRetriableError("network_error", err.Error())
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	acc := c.p.account(c.creds.AccountID)
	sub, ok := acc.subscriptions[processorSubscriptionID]
	if !ok {
		return nil, processor.NewError("subscription_not_found", "unknown subscription")
	}
	if !atPeriodEnd {
		sub.Status = "canceled"
	}
	acc.subscriptions[processorSubscriptionID] = sub
	return &sub, nil
}

// VerifyWebhookSignature implements processor.Client using the tenant's
// webhook secret.
func (c *Client) VerifyWebhookSignature(payload []byte, signatureHeader string, at time.Time) error {
	return processor.VerifySignature(payload, signatureHeader, c.creds.WebhookSecret, c.tolerance, at)
}

// GetCharge implements processor.Snapshots.
func (c *Client) GetCharge(ctx context.Context, processorChargeID string) (*processor.ChargeResult, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	res, ok := c.p.account(c.creds.AccountID).charges[processorChargeID]
	if !ok {
		return nil, processor.ErrRemoteNotFound
	}
	return &res, nil
}

// GetRefund implements processor.Snapshots.
func (c *Client) GetRefund(ctx context.Context, processorRefundID string) (*processor.RefundResult, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	res, ok := c.p.account(c.creds.AccountID).refunds[processorRefundID]
	if !ok {
		return nil, processor.ErrRemoteNotFound
	}
	return &res, nil
}

// GetSubscription implements processor.Snapshots.
func (c *Client) GetSubscription(ctx context.Context, processorSubscriptionID string) (*processor.SubscriptionResult, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	res, ok := c.p.account(c.creds.AccountID).subscriptions[processorSubscriptionID]
	if !ok {
		return nil, processor.ErrRemoteNotFound
	}
	return &res, nil
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func last4(token string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, token)
	if len(digits) >= 4 {
		return digits[len(digits)-4:]
	}
	return "4242"
}
