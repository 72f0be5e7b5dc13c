package domain

import "time"

// AllocationType records how a payment was matched to its invoice: auto for
// the charge settlement path, manual for the operator apply-payment endpoint.
type AllocationType string

const (
	AllocationAuto   AllocationType = "auto"
	AllocationManual AllocationType = "manual"
)

// ApplicationStatus is the lifecycle of a payment application.
type ApplicationStatus string

const (
	ApplicationPendingApply ApplicationStatus = "pending_apply"
	ApplicationApplied      ApplicationStatus = "applied"
	ApplicationRejected     ApplicationStatus = "rejected"
)

// PaymentApplication is one allocation of funds to one invoice. It is the
// audit record behind the invoice's paid amount: the sum of a paid invoice's
// applied allocations equals its total. SourceEventID mirrors the ledger
// event's idempotency key, so a replayed application never writes a second
// row. ChargeID is empty for manual applications.
type PaymentApplication struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	InvoiceID      string            `json:"invoice_id"`
	CustomerID     string            `json:"customer_id"`
	ChargeID       string            `json:"charge_id,omitempty"`
	AllocatedCents int64             `json:"allocated_cents"`
	Currency       Currency          `json:"currency"`
	AllocationType AllocationType    `json:"allocation_type"`
	Status         ApplicationStatus `json:"status"`
	SourceEventID  string            `json:"source_event_id"`
	AppliedAt      time.Time         `json:"applied_at"`
	CreatedAt      time.Time         `json:"created_at"`
}
