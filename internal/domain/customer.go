package domain

import "time"

// DelinquencyState tracks a customer's standing in the dunning lifecycle.
type DelinquencyState string

const (
	DelinquencyNone       DelinquencyState = "none"
	DelinquencyDelinquent DelinquencyState = "delinquent"
	DelinquencySuspended  DelinquencyState = "suspended"
)

// AgingBuckets partitions a customer's open receivable balance by days past
// due. The bucket sum always equals the denormalized AR balance.
type AgingBuckets struct {
	CurrentCents int64 `json:"current_cents"`
	Days1To30    int64 `json:"days_1_30_cents"`
	Days31To60   int64 `json:"days_31_60_cents"`
	Days61To90   int64 `json:"days_61_90_cents"`
	Over90       int64 `json:"days_over_90_cents"`
}

// Total returns the sum across all buckets.
func (b AgingBuckets) Total() int64 {
	return b.CurrentCents + b.Days1To30 + b.Days31To60 + b.Days61To90 + b.Over90
}

// Customer is the billing profile and receivable position for one account
// within a tenant. ExternalID is the caller's identifier and is unique per
// tenant; ProcessorCustomerID links to the payment processor's record.
type Customer struct {
	ID                     string            `json:"id"`
	TenantID               string            `json:"tenant_id"`
	ExternalID             string            `json:"external_id"`
	Email                  string            `json:"email"`
	Name                   string            `json:"name"`
	Currency               Currency          `json:"currency"`
	ProcessorCustomerID    string            `json:"processor_customer_id,omitempty"`
	DefaultPaymentMethodID string            `json:"default_payment_method_id,omitempty"`
	BalanceCents           int64             `json:"balance_cents"`
	Aging                  AgingBuckets      `json:"aging"`
	Delinquency            DelinquencyState  `json:"delinquency"`
	GracePeriodEnd         *time.Time        `json:"grace_period_end,omitempty"`
	FailedPaymentCount     int               `json:"failed_payment_count"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
	DeletedAt              *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the customer has been soft-deleted.
func (c *Customer) Deleted() bool {
	return c.DeletedAt != nil
}

// Suspended reports whether charges for this customer must be refused.
func (c *Customer) Suspended() bool {
	return c.Delinquency == DelinquencySuspended
}
