package services

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/storage"
)

// InvoiceService manages the receivable documents. Drafts are mutable;
// issuing freezes the lines, posts the receivable to the ledger and queues
// the revenue journal entry in one transaction.
type InvoiceService struct {
	deps Deps
}

// LineItemInput is one draft line.
type LineItemInput struct {
	Description     string `json:"description"`
	Quantity        int64  `json:"quantity"`
	UnitAmountCents int64  `json:"unit_amount_cents"`
}

// CreateInvoiceInput creates a draft. Tax is given either as an absolute
// amount in tax_cents or as a decimal tax_rate ("0.0875") applied to the
// subtotal, never both.
type CreateInvoiceInput struct {
	CustomerID string            `json:"customer_id"`
	Currency   string            `json:"currency"`
	Lines      []LineItemInput   `json:"lines"`
	TaxCents   int64             `json:"tax_cents"`
	TaxRate    string            `json:"tax_rate,omitempty"`
	DueAt      time.Time         `json:"due_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Create inserts a draft invoice. Totals are derived from the lines plus tax.
func (s *InvoiceService) Create(ctx context.Context, tenant string, in CreateInvoiceInput) (*domain.Invoice, error) {
	const op = "invoice.create"

	currency, err := domain.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	if len(in.Lines) == 0 {
		return nil, domain.NewValidationError(op, "at least one line item is required")
	}
	if in.TaxCents < 0 {
		return nil, domain.NewValidationError(op, "tax_cents must not be negative")
	}
	if in.DueAt.IsZero() {
		return nil, domain.NewValidationError(op, "due_at is required")
	}
	lines := make([]domain.LineItem, 0, len(in.Lines))
	for _, l := range in.Lines {
		if strings.TrimSpace(l.Description) == "" {
			return nil, domain.NewValidationError(op, "line item description is required")
		}
		if l.Quantity <= 0 {
			return nil, domain.NewValidationError(op, "line item quantity must be positive")
		}
		if l.UnitAmountCents < 0 {
			return nil, domain.NewValidationError(op, "line item unit amount must not be negative")
		}
		lines = append(lines, domain.LineItem{
			ID:              domain.NewID(domain.PrefixLineItem),
			Description:     strings.TrimSpace(l.Description),
			Quantity:        l.Quantity,
			UnitAmountCents: l.UnitAmountCents,
		})
	}

	taxCents := in.TaxCents
	if in.TaxRate != "" {
		if in.TaxCents != 0 {
			return nil, domain.NewValidationError(op, "tax_cents and tax_rate are mutually exclusive")
		}
		taxCents, err = taxFromRate(op, lines, in.TaxRate, currency)
		if err != nil {
			return nil, err
		}
	}

	customer, err := s.deps.Store.Customers().Get(ctx, tenant, in.CustomerID)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "customer", in.CustomerID)
	}
	if customer.Deleted() {
		return nil, domain.NewNotFoundError(op, "customer", in.CustomerID)
	}
	if customer.Currency != currency {
		return nil, domain.NewBusinessRuleError(op, domain.CodeCurrencyMismatch,
			"invoice currency does not match customer currency")
	}

	now := s.deps.Now()
	invoice := &domain.Invoice{
		ID:         domain.NewID(domain.PrefixInvoice),
		TenantID:   tenant,
		CustomerID: customer.ID,
		Currency:   currency,
		Status:     domain.InvoiceDraft,
		Lines:      lines,
		TaxCents:   taxCents,
		DueAt:      in.DueAt,
		Metadata:   in.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	invoice.RecomputeTotals()
	if invoice.TotalCents <= 0 {
		return nil, domain.NewValidationError(op, "invoice total must be positive")
	}
	if err := s.deps.Store.Invoices().Insert(ctx, invoice); err != nil {
		return nil, domain.WrapInternal(err, op)
	}
	return invoice, nil
}

// taxFromRate computes the tax amount from a decimal rate, rounded to the
// currency's minor unit.
func taxFromRate(op string, lines []domain.LineItem, rate string, currency domain.Currency) (int64, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil || r.IsNegative() {
		return 0, domain.NewValidationError(op, "tax_rate must be a non-negative decimal")
	}
	var subtotal int64
	for _, l := range lines {
		subtotal += l.Quantity * l.UnitAmountCents
	}
	tax := domain.MinorToDecimal(subtotal, currency).Mul(r).Round(currency.Exponent())
	return domain.DecimalToMinor(tax, currency)
}

// Get fetches an invoice.
func (s *InvoiceService) Get(ctx context.Context, tenant, id string) (*domain.Invoice, error) {
	invoice, err := s.deps.Store.Invoices().Get(ctx, tenant, id)
	if err != nil {
		return nil, notFoundOrInternal(err, "invoice.get", "invoice", id)
	}
	return invoice, nil
}

// List pages through the tenant's invoices.
func (s *InvoiceService) List(ctx context.Context, tenant string, filter storage.InvoiceFilter, opts storage.ListOptions) ([]domain.Invoice, error) {
	out, err := s.deps.Store.Invoices().List(ctx, tenant, filter, opts)
	if err != nil {
		return nil, domain.WrapInternal(err, "invoice.list")
	}
	return out, nil
}

// Issue moves a draft to issued: lines freeze, the receivable posts to the
// ledger, the revenue journal entry queues, and collection becomes eligible.
// Re-issuing an issued invoice is a conflict.
func (s *InvoiceService) Issue(ctx context.Context, tenant, id string) (*domain.Invoice, error) {
	const op = "invoice.issue"

	var invoice *domain.Invoice
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		var err error
		invoice, err = s.lockInvoice(ctx, tx, tenant, id, op)
		if err != nil {
			return err
		}
		if invoice.Status != domain.InvoiceDraft {
			return domain.NewConflictError(op, "only draft invoices can be issued")
		}

		now := s.deps.Now()
		issued := now
		invoice.Status = domain.InvoiceIssued
		invoice.IssuedAt = &issued
		due := invoice.DueAt
		invoice.NextCollectionAt = &due
		invoice.UpdatedAt = now
		if err := tx.Invoices().Update(ctx, invoice); err != nil {
			return domain.WrapInternal(err, op)
		}

		if _, _, err := s.deps.Poster.PostTx(ctx, tx, tenant, ledger.Entry{
			CustomerID:    invoice.CustomerID,
			InvoiceID:     invoice.ID,
			Type:          domain.LedgerInvoiceIssued,
			DeltaCents:    invoice.TotalCents,
			Currency:      invoice.Currency,
			SourceEventID: "invoice:" + invoice.ID + ":issued",
			Description:   "invoice issued",
			OccurredAt:    now,
		}); err != nil {
			return err
		}
		return s.deps.GL.Enqueue(ctx, tx, tenant, glpost.Intent{
			Trigger:        glpost.TriggerInvoiceIssued,
			PostingEventID: "invoice:" + invoice.ID + ":issued",
			SourceType:     "invoice",
			SourceID:       invoice.ID,
			AmountCents:    invoice.TotalCents,
			Currency:       invoice.Currency,
			PostingDate:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// Void cancels a draft or an unpaid issued invoice. Voiding an issued
// invoice reverses the outstanding receivable and queues the contra-revenue
// credit; terminal or partially collected invoices refuse with a conflict.
func (s *InvoiceService) Void(ctx context.Context, tenant, id string) (*domain.Invoice, error) {
	const op = "invoice.void"

	var invoice *domain.Invoice
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		var err error
		invoice, err = s.lockInvoice(ctx, tx, tenant, id, op)
		if err != nil {
			return err
		}
		if !invoice.Status.CanTransitionTo(domain.InvoiceVoided) {
			return domain.NewConflictError(op, "invoice cannot be voided from state "+string(invoice.Status))
		}

		now := s.deps.Now()
		outstanding := invoice.OutstandingCents()
		wasIssued := invoice.Status == domain.InvoiceIssued

		invoice.Status = domain.InvoiceVoided
		invoice.ClosedAt = &now
		invoice.NextCollectionAt = nil
		invoice.UpdatedAt = now
		if err := tx.Invoices().Update(ctx, invoice); err != nil {
			return domain.WrapInternal(err, op)
		}
		if !wasIssued || outstanding == 0 {
			return nil
		}

		if _, _, err := s.deps.Poster.PostTx(ctx, tx, tenant, ledger.Entry{
			CustomerID:    invoice.CustomerID,
			InvoiceID:     invoice.ID,
			Type:          domain.LedgerInvoiceVoided,
			DeltaCents:    -outstanding,
			Currency:      invoice.Currency,
			SourceEventID: "invoice:" + invoice.ID + ":voided",
			Description:   "invoice voided",
			OccurredAt:    now,
		}); err != nil {
			return err
		}
		return s.deps.GL.Enqueue(ctx, tx, tenant, glpost.Intent{
			Trigger:        glpost.TriggerCreditIssued,
			PostingEventID: "invoice:" + invoice.ID + ":voided",
			SourceType:     "invoice",
			SourceID:       invoice.ID,
			AmountCents:    outstanding,
			Currency:       invoice.Currency,
			PostingDate:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// WriteOff abandons collection of the outstanding balance: the receivable
// clears against bad debt and the invoice closes terminally.
func (s *InvoiceService) WriteOff(ctx context.Context, tenant, id, reason string) (*domain.Invoice, error) {
	const op = "invoice.write_off"

	var invoice *domain.Invoice
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		var err error
		invoice, err = s.lockInvoice(ctx, tx, tenant, id, op)
		if err != nil {
			return err
		}
		if !invoice.Status.CanTransitionTo(domain.InvoiceWrittenOff) {
			return domain.NewConflictError(op, "invoice cannot be written off from state "+string(invoice.Status))
		}
		outstanding := invoice.OutstandingCents()
		if outstanding == 0 {
			return domain.NewConflictError(op, "invoice has no outstanding balance to write off")
		}

		now := s.deps.Now()
		invoice.Status = domain.InvoiceWrittenOff
		invoice.ClosedAt = &now
		invoice.NextCollectionAt = nil
		invoice.UpdatedAt = now
		if err := tx.Invoices().Update(ctx, invoice); err != nil {
			return domain.WrapInternal(err, op)
		}

		if _, _, err := s.deps.Poster.PostTx(ctx, tx, tenant, ledger.Entry{
			CustomerID:    invoice.CustomerID,
			InvoiceID:     invoice.ID,
			Type:          domain.LedgerWriteOff,
			DeltaCents:    -outstanding,
			Currency:      invoice.Currency,
			SourceEventID: "invoice:" + invoice.ID + ":write-off",
			Description:   reason,
			OccurredAt:    now,
		}); err != nil {
			return err
		}
		return s.deps.GL.Enqueue(ctx, tx, tenant, glpost.Intent{
			Trigger:        glpost.TriggerWriteOff,
			PostingEventID: "invoice:" + invoice.ID + ":write-off",
			SourceType:     "invoice",
			SourceID:       invoice.ID,
			AmountCents:    outstanding,
			Currency:       invoice.Currency,
			PostingDate:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.deps.publish(ctx, tenant, events.SubjectInvoiceWrittenOff, invoice)
	return invoice, nil
}

// CreditMemoInput reduces an issued invoice's receivable.
type CreditMemoInput struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
}

// CreditMemo issues a credit against an open invoice. The credit may settle
// the invoice; it can never exceed the outstanding balance.
func (s *InvoiceService) CreditMemo(ctx context.Context, tenant, invoiceID string, in CreditMemoInput) (*domain.CreditMemo, error) {
	const op = "invoice.credit_memo"

	if in.AmountCents <= 0 {
		return nil, domain.NewValidationError(op, "amount_cents must be positive")
	}

	var memo *domain.CreditMemo
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		invoice, err := s.lockInvoice(ctx, tx, tenant, invoiceID, op)
		if err != nil {
			return err
		}
		if !invoice.Status.Open() {
			return domain.NewConflictError(op, "credits apply to open invoices only")
		}
		if in.AmountCents > invoice.OutstandingCents() {
			return domain.NewBusinessRuleError(op, domain.CodeAmountMismatch,
				"credit exceeds the invoice's outstanding balance")
		}

		now := s.deps.Now()
		memo = &domain.CreditMemo{
			ID:          domain.NewID(domain.PrefixCreditMemo),
			TenantID:    tenant,
			CustomerID:  invoice.CustomerID,
			InvoiceID:   invoice.ID,
			AmountCents: in.AmountCents,
			Currency:    invoice.Currency,
			Reason:      in.Reason,
			CreatedAt:   now,
		}

		if _, _, err := s.deps.Poster.PostTx(ctx, tx, tenant, ledger.Entry{
			CustomerID:    invoice.CustomerID,
			InvoiceID:     invoice.ID,
			Type:          domain.LedgerCreditMemo,
			DeltaCents:    -memo.AmountCents,
			Currency:      memo.Currency,
			SourceEventID: "credit_memo:" + memo.ID,
			Description:   in.Reason,
			OccurredAt:    now,
		}); err != nil {
			return err
		}

		invoice.CreditedCents += memo.AmountCents
		invoice.Status = invoice.SettlementStatus()
		if invoice.Status == domain.InvoicePaid {
			invoice.ClosedAt = &now
			invoice.NextCollectionAt = nil
		}
		invoice.UpdatedAt = now
		if err := tx.Invoices().Update(ctx, invoice); err != nil {
			return domain.WrapInternal(err, op)
		}
		return s.deps.GL.Enqueue(ctx, tx, tenant, glpost.Intent{
			Trigger:        glpost.TriggerCreditIssued,
			PostingEventID: "credit_memo:" + memo.ID,
			SourceType:     "credit_memo",
			SourceID:       memo.ID,
			AmountCents:    memo.AmountCents,
			Currency:       memo.Currency,
			PostingDate:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return memo, nil
}

// lockInvoice locks the customer aggregate first, then the invoice row.
func (s *InvoiceService) lockInvoice(ctx context.Context, tx storage.Tx, tenant, id, op string) (*domain.Invoice, error) {
	peek, err := tx.Invoices().Get(ctx, tenant, id)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "invoice", id)
	}
	if _, err := tx.Customers().GetForUpdate(ctx, tenant, peek.CustomerID); err != nil {
		return nil, notFoundOrInternal(err, op, "customer", peek.CustomerID)
	}
	invoice, err := tx.Invoices().GetForUpdate(ctx, tenant, id)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "invoice", id)
	}
	return invoice, nil
}
