// Package processor defines the contract the receivables engine holds with
// the external payment processor. The engine never talks to processor wire
// formats directly: adapters translate these requests and responses, and the
// sandbox adapter provides a deterministic in-process implementation.
package processor

import (
	"context"
	"time"
)

// DefaultCallTimeout bounds every outbound processor call. Callers derive a
// deadline from it; adapters must honor context cancellation.
const DefaultCallTimeout = 30 * time.Second

// Credentials are one tenant's processor account secrets.
type Credentials struct {
	SecretKey     string
	AccountID     string
	WebhookSecret string
}

// CreateCustomerRequest registers a billing identity with the processor.
type CreateCustomerRequest struct {
	ExternalID string
	Email      string
	Name       string
}

// CustomerResult is the processor's record of a customer.
type CustomerResult struct {
	ProcessorCustomerID string
}

// AttachPaymentMethodRequest vaults a frontend-tokenized instrument against
// a processor customer.
type AttachPaymentMethodRequest struct {
	ProcessorCustomerID string
	Token               string
}

// PaymentMethodResult carries the non-PCI display metadata the processor
// holds for a vaulted instrument.
type PaymentMethodResult struct {
	ProcessorMethodID string
	Kind              string // card, bank_account
	Brand             string
	Last4             string
	ExpMonth          int
	ExpYear           int
}

// CreateChargeRequest moves money from a vaulted method.
type CreateChargeRequest struct {
	ProcessorCustomerID string
	ProcessorMethodID   string
	AmountCents         int64
	Currency            string
	ReferenceID         string
	Description         string
}

// ChargeResult is the processor's outcome for a charge attempt. Status is
// "succeeded" or "failed"; FailureCode is set on failures.
type ChargeResult struct {
	ProcessorChargeID string
	Status            string
	FailureCode       string
	FailureMessage    string
}

// CreateRefundRequest returns funds from a settled processor charge.
type CreateRefundRequest struct {
	ProcessorChargeID string
	AmountCents       int64
	Currency          string
	ReferenceID       string
	Reason            string
}

// RefundResult is the processor's outcome for a refund.
type RefundResult struct {
	ProcessorRefundID string
	Status            string
	FailureCode       string
}

// CreateSubscriptionRequest opens a recurring billing agreement.
type CreateSubscriptionRequest struct {
	ProcessorCustomerID string
	ProcessorMethodID   string
	PlanCode            string
	AmountCents         int64
	Currency            string
	Interval            string
	IntervalCount       int
	Metadata            map[string]string
}

// SubscriptionResult mirrors the processor's subscription record.
type SubscriptionResult struct {
	ProcessorSubscriptionID string
	Status                  string
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
}

// UpdateSubscriptionRequest syncs mutable subscription fields. Billing terms
// are not updatable; only metadata and the cancel-at-period-end flag travel.
type UpdateSubscriptionRequest struct {
	ProcessorSubscriptionID string
	CancelAtPeriodEnd       *bool
	Metadata                map[string]string
}

// Client is the capability set the engine requires from any processor
// adapter. Implementations are bound to one tenant's credentials.
type Client interface {
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*CustomerResult, error)
	AttachPaymentMethod(ctx context.Context, req AttachPaymentMethodRequest) (*PaymentMethodResult, error)
	DetachPaymentMethod(ctx context.Context, processorMethodID string) error
	GetPaymentMethod(ctx context.Context, processorMethodID string) (*PaymentMethodResult, error)
	CreateCharge(ctx context.Context, req CreateChargeRequest) (*ChargeResult, error)
	CreateRefund(ctx context.Context, req CreateRefundRequest) (*RefundResult, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*SubscriptionResult, error)
	UpdateSubscription(ctx context.Context, req UpdateSubscriptionRequest) (*SubscriptionResult, error)
	CancelSubscription(ctx context.Context, processorSubscriptionID string, atPeriodEnd bool) (*SubscriptionResult, error)
	VerifyWebhookSignature(payload []byte, signatureHeader string, at time.Time) error
}

// Factory resolves the adapter bound to a tenant's credentials.
type Factory interface {
	ForTenant(tenant string) (Client, error)
}

// Snapshots is the optional read surface reconciliation draws on. Adapters
// that can serve point lookups of their own records implement it alongside
// Client; reconciliation skips entity kinds the adapter cannot fetch.
type Snapshots interface {
	GetCharge(ctx context.Context, processorChargeID string) (*ChargeResult, error)
	GetRefund(ctx context.Context, processorRefundID string) (*RefundResult, error)
	GetSubscription(ctx context.Context, processorSubscriptionID string) (*SubscriptionResult, error)
}
