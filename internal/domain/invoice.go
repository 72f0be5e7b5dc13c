package domain

import "time"

// InvoiceStatus is the collection lifecycle of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceIssued        InvoiceStatus = "issued"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoided        InvoiceStatus = "voided"
	InvoiceDisputed      InvoiceStatus = "disputed"
	InvoiceWrittenOff    InvoiceStatus = "written_off"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// invoiceTransitions is the allowed state machine. Terminal states have no
// outgoing edges.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:         {InvoiceIssued, InvoiceVoided},
	InvoiceIssued:        {InvoicePartiallyPaid, InvoicePaid, InvoiceVoided, InvoiceDisputed, InvoiceWrittenOff, InvoiceUncollectible},
	InvoicePartiallyPaid: {InvoicePaid, InvoiceDisputed, InvoiceWrittenOff, InvoiceUncollectible},
	InvoicePaid:          {InvoiceDisputed},
	InvoiceDisputed:      {InvoiceIssued, InvoicePartiallyPaid, InvoicePaid, InvoiceWrittenOff},
	InvoiceVoided:        {},
	InvoiceWrittenOff:    {},
	InvoiceUncollectible: {InvoiceWrittenOff},
}

// CanTransitionTo reports whether the status may move to next.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further collection activity applies.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceVoided || s == InvoiceWrittenOff
}

// Open reports whether the invoice still carries a collectible balance.
func (s InvoiceStatus) Open() bool {
	return s == InvoiceIssued || s == InvoicePartiallyPaid
}

// LineItem is a frozen line on an issued invoice. AmountCents is
// Quantity * UnitAmountCents, precomputed so downstream consumers never
// re-derive it.
type LineItem struct {
	ID              string `json:"id"`
	Description     string `json:"description"`
	Quantity        int64  `json:"quantity"`
	UnitAmountCents int64  `json:"unit_amount_cents"`
	AmountCents     int64  `json:"amount_cents"`
}

// Invoice is a receivable document. Line items may change while draft and
// freeze at issuance. TotalCents = SubtotalCents + TaxCents, always.
type Invoice struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	CustomerID    string        `json:"customer_id"`
	Number        string        `json:"number,omitempty"`
	Currency      Currency      `json:"currency"`
	Status        InvoiceStatus `json:"status"`
	Lines         []LineItem    `json:"lines"`
	SubtotalCents int64         `json:"subtotal_cents"`
	TaxCents      int64         `json:"tax_cents"`
	TotalCents    int64         `json:"total_cents"`
	PaidCents     int64         `json:"paid_cents"`
	CreditedCents int64         `json:"credited_cents"`
	DueAt         time.Time     `json:"due_at"`
	IssuedAt      *time.Time    `json:"issued_at,omitempty"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`

	// Dunning state for automatic collection of this invoice.
	CollectionAttempts int        `json:"collection_attempts"`
	NextCollectionAt   *time.Time `json:"next_collection_at,omitempty"`
	CollectionStopped  string     `json:"collection_stopped,omitempty"` // terminal decline code, if aborted

	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// OutstandingCents is the remaining collectible amount.
func (i *Invoice) OutstandingCents() int64 {
	out := i.TotalCents - i.PaidCents - i.CreditedCents
	if out < 0 {
		return 0
	}
	return out
}

// Settled reports whether payments and credits cover the total.
func (i *Invoice) Settled() bool {
	return i.PaidCents+i.CreditedCents >= i.TotalCents
}

// RecomputeTotals derives subtotal and total from the line items and the tax
// amount. Call on drafts only; issued invoices are frozen.
func (i *Invoice) RecomputeTotals() {
	var subtotal int64
	for idx := range i.Lines {
		i.Lines[idx].AmountCents = i.Lines[idx].Quantity * i.Lines[idx].UnitAmountCents
		subtotal += i.Lines[idx].AmountCents
	}
	i.SubtotalCents = subtotal
	i.TotalCents = subtotal + i.TaxCents
}

// SettlementStatus returns the status an open invoice should carry after a
// payment or credit is applied.
func (i *Invoice) SettlementStatus() InvoiceStatus {
	switch {
	case i.Settled():
		return InvoicePaid
	case i.PaidCents+i.CreditedCents > 0:
		return InvoicePartiallyPaid
	default:
		return InvoiceIssued
	}
}

// CreditMemo records a reduction of an issued invoice's receivable, either a
// goodwill credit or a billing correction. Amounts are positive; the ledger
// delta it produces is negative.
type CreditMemo struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	CustomerID  string    `json:"customer_id"`
	InvoiceID   string    `json:"invoice_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    Currency  `json:"currency"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
