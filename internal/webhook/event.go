// Package webhook ingests the processor's asynchronous event stream:
// insert-first deduplication, signature verification, and dispatch to the
// per-type handlers that reconcile local state with processor outcomes.
package webhook

import (
	"encoding/json"
	"time"
)

// Event types the dispatcher understands. Unknown types are acknowledged
// and marked processed so new processor event kinds never wedge the queue.
const (
	TypePaymentSucceeded = "payments.payment.succeeded"
	TypePaymentFailed    = "payments.payment.failed"
	PrefixRefund         = "payments.refund."
	PrefixDispute        = "payments.dispute."
	PrefixSubscription   = "subscription."
)

// Event is the processor's delivery envelope. ID is the processor event
// identifier and the dedupe key; Data is the type-specific payload.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// PaymentData is the payload of payments.payment.* events.
type PaymentData struct {
	ProcessorChargeID string     `json:"charge_id"`
	ReferenceID       string     `json:"reference_id,omitempty"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	FailureCode       string     `json:"failure_code,omitempty"`
	FailureMessage    string     `json:"failure_message,omitempty"`
	OccurredAt        *time.Time `json:"occurred_at,omitempty"`
}

// RefundData is the payload of payments.refund.* events.
type RefundData struct {
	ProcessorRefundID string `json:"refund_id"`
	ProcessorChargeID string `json:"charge_id"`
	ReferenceID       string `json:"reference_id,omitempty"`
	AmountCents       int64  `json:"amount_cents"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	FailureCode       string `json:"failure_code,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// DisputeData is the payload of payments.dispute.* events.
type DisputeData struct {
	ProcessorDisputeID string     `json:"dispute_id"`
	ProcessorChargeID  string     `json:"charge_id"`
	AmountCents        int64      `json:"amount_cents"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	Reason             string     `json:"reason,omitempty"`
	OpenedAt           *time.Time `json:"opened_at,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

// SubscriptionData is the payload of subscription.* events.
type SubscriptionData struct {
	ProcessorSubscriptionID string            `json:"subscription_id"`
	Status                  string            `json:"status"`
	CancelAtPeriodEnd       bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart      *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time        `json:"current_period_end,omitempty"`
	CanceledAt              *time.Time        `json:"canceled_at,omitempty"`
	Metadata                map[string]string `json:"metadata,omitempty"`
}
