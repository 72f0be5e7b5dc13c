package domain

import "time"

// ChargeStatus is the settlement state of one payment attempt.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
)

// Charge is a single attempt to collect funds. ReferenceID is the caller's
// idempotency handle, unique per tenant: retries with the same reference
// return the original row. The pending row is committed before the processor
// call so a crash mid-call leaves an auditable record.
type Charge struct {
	ID                string       `json:"id"`
	TenantID          string       `json:"tenant_id"`
	CustomerID        string       `json:"customer_id"`
	InvoiceID         string       `json:"invoice_id,omitempty"`
	PaymentMethodID   string       `json:"payment_method_id"`
	ReferenceID       string       `json:"reference_id"`
	ProcessorChargeID string       `json:"processor_charge_id,omitempty"`
	AmountCents       int64        `json:"amount_cents"`
	RefundedCents     int64        `json:"refunded_cents"`
	Currency          Currency     `json:"currency"`
	Status            ChargeStatus `json:"status"`
	FailureCode       string       `json:"failure_code,omitempty"`
	FailureMessage    string       `json:"failure_message,omitempty"`
	Attempt           int          `json:"attempt"` // dunning attempt ordinal, 0 for ad-hoc charges
	SettledAt         *time.Time   `json:"settled_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Refundable returns how much of the charge can still be refunded.
func (c *Charge) Refundable() int64 {
	if c.Status != ChargeSucceeded {
		return 0
	}
	return c.AmountCents - c.RefundedCents
}

// RefundStatus is the settlement state of a refund.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

// Refund returns funds from a settled charge. AmountCents never exceeds the
// charge's refundable remainder; the ledger delta it produces is negative.
type Refund struct {
	ID                string       `json:"id"`
	TenantID          string       `json:"tenant_id"`
	ChargeID          string       `json:"charge_id"`
	ReferenceID       string       `json:"reference_id"`
	ProcessorRefundID string       `json:"processor_refund_id,omitempty"`
	AmountCents       int64        `json:"amount_cents"`
	Currency          Currency     `json:"currency"`
	Status            RefundStatus `json:"status"`
	Reason            string       `json:"reason,omitempty"`
	FailureCode       string       `json:"failure_code,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// DisputeStatus mirrors the processor's dispute lifecycle.
type DisputeStatus string

const (
	DisputeOpened            DisputeStatus = "opened"
	DisputeEvidenceSubmitted DisputeStatus = "evidence_submitted"
	DisputeExpired           DisputeStatus = "expired"
	DisputeClosedWon         DisputeStatus = "closed_won"
	DisputeClosedLost        DisputeStatus = "closed_lost"
	DisputeClosedAccepted    DisputeStatus = "closed_accepted"
)

// Closed reports whether the dispute reached a terminal outcome.
func (s DisputeStatus) Closed() bool {
	switch s {
	case DisputeExpired, DisputeClosedWon, DisputeClosedLost, DisputeClosedAccepted:
		return true
	}
	return false
}

// Dispute is a local mirror of a processor dispute against a charge.
type Dispute struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenant_id"`
	ChargeID           string        `json:"charge_id"`
	ProcessorDisputeID string        `json:"processor_dispute_id"`
	AmountCents        int64         `json:"amount_cents"`
	Currency           Currency      `json:"currency"`
	Status             DisputeStatus `json:"status"`
	Reason             string        `json:"reason,omitempty"`
	OpenedAt           time.Time     `json:"opened_at"`
	ClosedAt           *time.Time    `json:"closed_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}
