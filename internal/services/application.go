package services

import (
	"context"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/storage"
)

// ApplicationService records payments against invoices. It is the single
// path by which an invoice's paid amount moves: the charge settlement flow,
// the webhook handler and the internal apply-payment endpoint all funnel
// through applyTx.
type ApplicationService struct {
	deps Deps
}

// ApplyPaymentInput is the internal apply-payment command. SourceEventID is
// the idempotency key for the resulting ledger event.
type ApplyPaymentInput struct {
	InvoiceID     string `json:"invoice_id"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	SourceEventID string `json:"source_event_id"`
	Description   string `json:"description,omitempty"`
}

// Apply records a payment in its own transaction and publishes invoice.paid
// when the application settles the invoice.
func (s *ApplicationService) Apply(ctx context.Context, tenant string, in ApplyPaymentInput) (*domain.Invoice, error) {
	const op = "application.apply"

	if in.SourceEventID == "" {
		return nil, domain.NewValidationError(op, "source_event_id is required")
	}
	if in.AmountCents <= 0 {
		return nil, domain.NewValidationError(op, "amount_cents must be positive")
	}
	currency, err := domain.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}

	var invoice *domain.Invoice
	err = storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		invoice, err = s.applyTx(ctx, tx, tenant, applyRequest{
			InvoiceID:     in.InvoiceID,
			AmountCents:   in.AmountCents,
			Currency:      currency,
			SourceEventID: in.SourceEventID,
			Description:   in.Description,
			Allocation:    domain.AllocationManual,
			OccurredAt:    s.deps.Now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if invoice.Status == domain.InvoicePaid {
		s.deps.publish(ctx, tenant, events.SubjectInvoicePaid, invoice)
	}
	return invoice, nil
}

// applyRequest is the transactional application. ChargeID is set on the
// charge settlement path and empty for operator applications.
type applyRequest struct {
	InvoiceID     string
	AmountCents   int64
	Currency      domain.Currency
	SourceEventID string
	Description   string
	Allocation    domain.AllocationType
	ChargeID      string
	OccurredAt    time.Time
}

// applyTx applies a payment inside the caller's transaction. Locks are taken
// customer first, then invoice. A replayed source event id returns the
// invoice unchanged.
func (s *ApplicationService) applyTx(ctx context.Context, tx storage.Tx, tenant string, req applyRequest) (*domain.Invoice, error) {
	const op = "application.apply"

	peek, err := tx.Invoices().Get(ctx, tenant, req.InvoiceID)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "invoice", req.InvoiceID)
	}
	if _, err := tx.Customers().GetForUpdate(ctx, tenant, peek.CustomerID); err != nil {
		return nil, notFoundOrInternal(err, op, "customer", peek.CustomerID)
	}
	invoice, err := tx.Invoices().GetForUpdate(ctx, tenant, req.InvoiceID)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "invoice", req.InvoiceID)
	}

	if err := s.checkApplicable(op, invoice, req); err != nil {
		return nil, err
	}

	_, applied, err := s.deps.Poster.PostTx(ctx, tx, tenant, ledger.Entry{
		CustomerID:    invoice.CustomerID,
		InvoiceID:     invoice.ID,
		Type:          domain.LedgerPaymentApplied,
		DeltaCents:    -req.AmountCents,
		Currency:      req.Currency,
		SourceEventID: req.SourceEventID,
		Description:   req.Description,
		OccurredAt:    req.OccurredAt,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		// Replay: the original application already moved the invoice.
		return invoice, nil
	}

	now := s.deps.Now()
	if err := tx.PaymentApplications().Insert(ctx, &domain.PaymentApplication{
		ID:             domain.NewID(domain.PrefixApplication),
		TenantID:       tenant,
		InvoiceID:      invoice.ID,
		CustomerID:     invoice.CustomerID,
		ChargeID:       req.ChargeID,
		AllocatedCents: req.AmountCents,
		Currency:       req.Currency,
		AllocationType: req.Allocation,
		Status:         domain.ApplicationApplied,
		SourceEventID:  req.SourceEventID,
		AppliedAt:      req.OccurredAt,
		CreatedAt:      now,
	}); err != nil {
		return nil, domain.WrapInternal(err, op)
	}

	invoice.PaidCents += req.AmountCents
	next := invoice.SettlementStatus()
	if invoice.Status != next {
		invoice.Status = next
	}
	if invoice.Status == domain.InvoicePaid {
		closed := req.OccurredAt
		invoice.ClosedAt = &closed
		invoice.NextCollectionAt = nil
	}
	invoice.UpdatedAt = now
	if err := tx.Invoices().Update(ctx, invoice); err != nil {
		return nil, domain.WrapInternal(err, op)
	}

	if err := s.deps.GL.Enqueue(ctx, tx, tenant, glpost.Intent{
		Trigger:        glpost.TriggerPaymentApplied,
		PostingEventID: req.SourceEventID,
		SourceType:     "invoice",
		SourceID:       invoice.ID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		PostingDate:    req.OccurredAt,
	}); err != nil {
		return nil, err
	}
	return invoice, nil
}

// checkApplicable enforces the invoice-side business rules for a payment.
func (s *ApplicationService) checkApplicable(op string, invoice *domain.Invoice, req applyRequest) error {
	switch invoice.Status {
	case domain.InvoiceIssued, domain.InvoicePartiallyPaid:
	case domain.InvoiceDraft:
		return domain.NewBusinessRuleError(op, domain.CodeInvoiceNotIssued,
			"invoice has not been issued")
	case domain.InvoiceVoided:
		return domain.NewBusinessRuleError(op, domain.CodeInvoiceVoided,
			"invoice is voided")
	case domain.InvoicePaid:
		return domain.NewBusinessRuleError(op, domain.CodeInvoicePaid,
			"invoice is already paid")
	default:
		return domain.NewConflictError(op, "invoice is not collectible in state "+string(invoice.Status))
	}
	if invoice.Currency != req.Currency {
		return domain.NewBusinessRuleError(op, domain.CodeCurrencyMismatch,
			"payment currency does not match invoice currency")
	}
	if req.AmountCents > invoice.OutstandingCents() {
		return domain.NewBusinessRuleError(op, domain.CodeAmountMismatch,
			"payment exceeds the invoice's outstanding balance")
	}
	return nil
}
