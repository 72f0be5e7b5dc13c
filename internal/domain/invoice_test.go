package domain

import (
	"testing"
	"time"
)

func TestInvoiceStatusTransitions(t *testing.T) {
	tests := []struct {
		from    InvoiceStatus
		to      InvoiceStatus
		allowed bool
	}{
		{InvoiceDraft, InvoiceIssued, true},
		{InvoiceDraft, InvoiceVoided, true},
		{InvoiceDraft, InvoicePaid, false},
		{InvoiceIssued, InvoicePartiallyPaid, true},
		{InvoiceIssued, InvoicePaid, true},
		{InvoiceIssued, InvoiceVoided, true},
		{InvoicePartiallyPaid, InvoicePaid, true},
		{InvoicePartiallyPaid, InvoiceVoided, false},
		{InvoicePaid, InvoiceIssued, false},
		{InvoiceVoided, InvoiceIssued, false},
		{InvoiceWrittenOff, InvoiceIssued, false},
		{InvoiceUncollectible, InvoiceWrittenOff, true},
		{InvoiceDisputed, InvoiceWrittenOff, true},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestInvoiceRecomputeTotals(t *testing.T) {
	inv := Invoice{
		Currency: "USD",
		TaxCents: 900,
		Lines: []LineItem{
			{Description: "seat", Quantity: 3, UnitAmountCents: 2000},
			{Description: "support", Quantity: 1, UnitAmountCents: 3000},
		},
	}
	inv.RecomputeTotals()

	if inv.SubtotalCents != 9000 {
		t.Errorf("subtotal = %d, want 9000", inv.SubtotalCents)
	}
	if inv.TotalCents != 9900 {
		t.Errorf("total = %d, want 9900", inv.TotalCents)
	}
	if inv.Lines[0].AmountCents != 6000 {
		t.Errorf("line amount = %d, want 6000", inv.Lines[0].AmountCents)
	}
}

func TestInvoiceSettlement(t *testing.T) {
	inv := Invoice{Status: InvoiceIssued, TotalCents: 9900}

	inv.PaidCents = 4000
	if got := inv.SettlementStatus(); got != InvoicePartiallyPaid {
		t.Errorf("after partial payment: %s, want partially_paid", got)
	}
	if inv.OutstandingCents() != 5900 {
		t.Errorf("outstanding = %d, want 5900", inv.OutstandingCents())
	}

	inv.PaidCents = 9900
	if got := inv.SettlementStatus(); got != InvoicePaid {
		t.Errorf("after full payment: %s, want paid", got)
	}
	if inv.OutstandingCents() != 0 {
		t.Errorf("outstanding = %d, want 0", inv.OutstandingCents())
	}

	// Credits count toward settlement the same as payments.
	inv = Invoice{Status: InvoiceIssued, TotalCents: 5000, PaidCents: 3000, CreditedCents: 2000}
	if !inv.Settled() {
		t.Error("payments + credits covering total must settle the invoice")
	}
}

func TestInvoiceTerminalStatuses(t *testing.T) {
	if !InvoiceVoided.Terminal() || !InvoiceWrittenOff.Terminal() {
		t.Error("voided and written_off are terminal")
	}
	if InvoiceIssued.Terminal() || InvoicePaid.Terminal() {
		t.Error("issued and paid are not terminal for all activity")
	}
	if !InvoiceIssued.Open() || !InvoicePartiallyPaid.Open() {
		t.Error("issued and partially_paid are open")
	}
	if InvoicePaid.Open() {
		t.Error("paid is not open")
	}
}

func TestAgingBucketsTotal(t *testing.T) {
	b := AgingBuckets{CurrentCents: 100, Days1To30: 200, Days31To60: 300, Days61To90: 400, Over90: 500}
	if b.Total() != 1500 {
		t.Errorf("total = %d, want 1500", b.Total())
	}
}

func TestGLPostingBalanced(t *testing.T) {
	now := time.Now()
	p := GLPosting{
		PostingDate: now,
		Lines: []GLLine{
			{AccountCode: "1100", DebitCents: 9900},
			{AccountCode: "4000", CreditCents: 9900},
		},
	}
	if !p.Balanced() {
		t.Error("equal debits and credits must balance")
	}

	p.Lines[1].CreditCents = 9800
	if p.Balanced() {
		t.Error("unequal debits and credits must not balance")
	}

	p.Lines = []GLLine{{AccountCode: "1100", DebitCents: 100}}
	if p.Balanced() {
		t.Error("single-line entries must not balance")
	}

	p.Lines = []GLLine{
		{AccountCode: "1100", DebitCents: 100, CreditCents: 100},
		{AccountCode: "4000"},
	}
	if p.Balanced() {
		t.Error("lines with both or neither side set must not balance")
	}
}
