package domain

import "time"

// SubscriptionStatus mirrors the processor's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// BillingInterval is the subscription cadence.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Valid reports whether the interval is a supported cadence.
func (i BillingInterval) Valid() bool {
	return i == IntervalMonth || i == IntervalYear
}

// Subscription is the local mirror of a processor-managed recurring billing
// agreement. Billing-cycle fields (PlanCode, AmountCents, Currency, Interval,
// IntervalCount) are immutable after creation: changing terms means
// cancelling and creating a replacement.
type Subscription struct {
	ID                      string             `json:"id"`
	TenantID                string             `json:"tenant_id"`
	CustomerID              string             `json:"customer_id"`
	ProcessorSubscriptionID string             `json:"processor_subscription_id,omitempty"`
	PlanCode                string             `json:"plan_code"`
	AmountCents             int64              `json:"amount_cents"`
	Currency                Currency           `json:"currency"`
	Interval                BillingInterval    `json:"interval"`
	IntervalCount           int                `json:"interval_count"`
	Status                  SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd       bool               `json:"cancel_at_period_end"`
	CurrentPeriodStart      time.Time          `json:"current_period_start"`
	CurrentPeriodEnd        time.Time          `json:"current_period_end"`
	CanceledAt              *time.Time         `json:"canceled_at,omitempty"`
	Metadata                map[string]string  `json:"metadata,omitempty"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
}

// Active reports whether the subscription is still billing.
func (s *Subscription) Active() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionPastDue
}
