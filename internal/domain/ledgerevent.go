package domain

import "time"

// LedgerEventType classifies the receivable movements. Issued invoices and
// dispute holds increase the balance; payments, credits, write-offs and
// lost disputes decrease it; refunds of settled charges increase it again
// when they re-open a receivable, so refund deltas are carried signed.
type LedgerEventType string

const (
	LedgerInvoiceIssued  LedgerEventType = "invoice_issued"
	LedgerPaymentApplied LedgerEventType = "payment_applied"
	LedgerCreditMemo     LedgerEventType = "credit_memo"
	LedgerWriteOff       LedgerEventType = "write_off"
	LedgerRefund         LedgerEventType = "refund"
	LedgerDisputeLost    LedgerEventType = "dispute_lost"
	LedgerAdjustment     LedgerEventType = "adjustment"
	LedgerInvoiceVoided  LedgerEventType = "invoice_voided"
)

// LedgerEvent is one append-only row in a customer's receivable history.
// DeltaCents is signed; BalanceBefore/After snapshot the denormalized
// balance around the application. SourceEventID is unique per tenant and is
// the idempotency key for the posting: replays hit the unique constraint and
// succeed without re-applying.
type LedgerEvent struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	CustomerID         string          `json:"customer_id"`
	InvoiceID          string          `json:"invoice_id,omitempty"`
	Type               LedgerEventType `json:"type"`
	DeltaCents         int64           `json:"delta_cents"`
	Currency           Currency        `json:"currency"`
	SourceEventID      string          `json:"source_event_id"`
	BalanceBeforeCents int64           `json:"balance_before_cents"`
	BalanceAfterCents  int64           `json:"balance_after_cents"`
	Description        string          `json:"description,omitempty"`
	OccurredAt         time.Time       `json:"occurred_at"`
	CreatedAt          time.Time       `json:"created_at"`
}
