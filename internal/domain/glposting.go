package domain

import "time"

// GLPostingStatus is the hand-off state of a journal intent to the external
// general ledger.
type GLPostingStatus string

const (
	GLPostingPending  GLPostingStatus = "pending"
	GLPostingAccepted GLPostingStatus = "accepted"
	GLPostingRejected GLPostingStatus = "rejected"
)

// GL rejection codes that are business outcomes: the posting stays rejected
// until an operator intervenes, it is never auto-retried.
const (
	GLRejectUnbalanced      = "UNBALANCED_ENTRY"
	GLRejectInvalidAccount  = "INVALID_ACCOUNT"
	GLRejectPeriodClosed    = "PERIOD_CLOSED"
	GLRejectInvalidCurrency = "INVALID_CURRENCY"
)

// TerminalGLRejection reports whether a rejection code must never be retried.
func TerminalGLRejection(code string) bool {
	switch code {
	case GLRejectUnbalanced, GLRejectInvalidAccount, GLRejectPeriodClosed, GLRejectInvalidCurrency:
		return true
	}
	return false
}

// GLLine is one side of a journal entry in minor units. Exactly one of
// DebitCents/CreditCents is non-zero per line.
type GLLine struct {
	AccountCode string `json:"account_code"`
	DebitCents  int64  `json:"debit_cents"`
	CreditCents int64  `json:"credit_cents"`
}

// GLPosting is a balanced journal intent queued for the general ledger.
// PostingEventID is unique per tenant and travels with every publish so the
// GL can deduplicate at-least-once deliveries.
type GLPosting struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	PostingEventID string          `json:"posting_event_id"`
	SourceType     string          `json:"source_type"` // invoice, payment, refund, credit_memo, write_off, dispute
	SourceID       string          `json:"source_id"`
	PostingDate    time.Time       `json:"posting_date"`
	Currency       Currency        `json:"currency"`
	Lines          []GLLine        `json:"lines"`
	Status         GLPostingStatus `json:"status"`
	RejectCode     string          `json:"reject_code,omitempty"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Balanced reports whether total debits equal total credits and the entry
// has at least two lines.
func (p *GLPosting) Balanced() bool {
	if len(p.Lines) < 2 {
		return false
	}
	var debits, credits int64
	for _, l := range p.Lines {
		if l.DebitCents < 0 || l.CreditCents < 0 {
			return false
		}
		if (l.DebitCents == 0) == (l.CreditCents == 0) {
			return false
		}
		debits += l.DebitCents
		credits += l.CreditCents
	}
	return debits == credits && debits > 0
}
