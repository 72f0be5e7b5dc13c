package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/storage"
)

// ChargeService collects one-time payments. The pending row is committed
// before the processor call; the outcome lands in a second transaction, so a
// crash between the two leaves an auditable pending charge that
// reconciliation picks up.
type ChargeService struct {
	deps         Deps
	applications *ApplicationService
}

// CreateChargeInput is the charge command. ReferenceID is the caller's
// domain idempotency handle.
type CreateChargeInput struct {
	CustomerID      string `json:"customer_id"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	ReferenceID     string `json:"reference_id"`
	Description     string `json:"description,omitempty"`

	// Attempt is the dunning ordinal; the engine sets it, API callers don't.
	Attempt int `json:"-"`
}

// Create attempts to collect the amount. A replayed reference id returns the
// original charge regardless of its outcome; concurrent duplicates are
// resolved by the unique-constraint race.
func (s *ChargeService) Create(ctx context.Context, tenant string, in CreateChargeInput) (*domain.Charge, error) {
	const op = "charge.create"

	in.ReferenceID = strings.TrimSpace(in.ReferenceID)
	if in.ReferenceID == "" {
		return nil, domain.NewValidationError(op, "reference_id is required")
	}
	if in.AmountCents <= 0 {
		return nil, domain.NewValidationError(op, "amount_cents must be positive")
	}
	currency, err := domain.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}

	if existing, err := s.deps.Store.Charges().GetByReferenceID(ctx, tenant, in.ReferenceID); err == nil {
		return existing, nil
	} else if !storage.IsNotFound(err) {
		return nil, domain.WrapInternal(err, op)
	}

	customer, err := s.deps.Store.Customers().Get(ctx, tenant, in.CustomerID)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "customer", in.CustomerID)
	}
	if customer.Deleted() {
		return nil, domain.NewNotFoundError(op, "customer", in.CustomerID)
	}
	if customer.Suspended() {
		return nil, domain.NewBusinessRuleError(op, domain.CodeCustomerSuspended,
			"customer is suspended; collection is stopped")
	}
	if customer.Currency != currency {
		return nil, domain.NewBusinessRuleError(op, domain.CodeCurrencyMismatch,
			"charge currency does not match customer currency")
	}

	method, err := s.resolveMethod(ctx, tenant, customer, in.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	if in.InvoiceID != "" {
		inv, err := s.deps.Store.Invoices().Get(ctx, tenant, in.InvoiceID)
		if err != nil {
			return nil, notFoundOrInternal(err, op, "invoice", in.InvoiceID)
		}
		if inv.CustomerID != customer.ID {
			return nil, domain.NewValidationError(op, "invoice does not belong to the customer")
		}
	}

	client, err := s.deps.client(tenant)
	if err != nil {
		return nil, err
	}
	if err := ensureProcessorCustomer(ctx, s.deps, client, tenant, customer); err != nil {
		return nil, err
	}

	now := s.deps.Now()
	charge := &domain.Charge{
		ID:              domain.NewID(domain.PrefixCharge),
		TenantID:        tenant,
		CustomerID:      customer.ID,
		InvoiceID:       in.InvoiceID,
		PaymentMethodID: method.ID,
		ReferenceID:     in.ReferenceID,
		AmountCents:     in.AmountCents,
		Currency:        currency,
		Status:          domain.ChargePending,
		Attempt:         in.Attempt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.deps.Store.Charges().Insert(ctx, charge); err != nil {
		if storage.IsDuplicate(err) {
			// Lost the reference_id race; the winner's row is the answer.
			existing, getErr := s.deps.Store.Charges().GetByReferenceID(ctx, tenant, in.ReferenceID)
			if getErr != nil {
				return nil, domain.WrapInternal(getErr, op)
			}
			return existing, nil
		}
		return nil, domain.WrapInternal(err, op)
	}

	cctx, cancel := callCtx(ctx)
	res, callErr := client.CreateCharge(cctx, processor.CreateChargeRequest{
		ProcessorCustomerID: customer.ProcessorCustomerID,
		ProcessorMethodID:   method.ProcessorMethodID,
		AmountCents:         charge.AmountCents,
		Currency:            string(charge.Currency),
		ReferenceID:         charge.ReferenceID,
		Description:         in.Description,
	})
	cancel()
	if callErr != nil {
		if processor.IsRetriable(callErr) {
			// Outcome unknown; the row stays pending for reconciliation.
			s.deps.Logger.Warn("charge outcome unknown after processor call",
				zap.String("tenant", tenant),
				zap.String("charge_id", charge.ID),
				zap.Error(callErr))
			return nil, processorFailure(op, callErr)
		}
		res = &processor.ChargeResult{
			Status:         "failed",
			FailureCode:    processor.ErrorCode(callErr),
			FailureMessage: callErr.Error(),
		}
	}

	if err := s.record(ctx, tenant, charge.ID, res); err != nil {
		return nil, err
	}
	charge, err = s.deps.Store.Charges().Get(ctx, tenant, charge.ID)
	if err != nil {
		return nil, domain.WrapInternal(err, op)
	}
	return charge, nil
}

// Get fetches a charge.
func (s *ChargeService) Get(ctx context.Context, tenant, id string) (*domain.Charge, error) {
	charge, err := s.deps.Store.Charges().Get(ctx, tenant, id)
	if err != nil {
		return nil, notFoundOrInternal(err, "charge.get", "charge", id)
	}
	return charge, nil
}

// List pages through the tenant's charges.
func (s *ChargeService) List(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Charge, error) {
	out, err := s.deps.Store.Charges().List(ctx, tenant, opts)
	if err != nil {
		return nil, domain.WrapInternal(err, "charge.list")
	}
	return out, nil
}

// Settle marks a pending charge succeeded and applies its financial effects.
// Webhook handlers call it when the processor confirms asynchronously; a
// charge already settled is a no-op.
func (s *ChargeService) Settle(ctx context.Context, tenant, chargeID, processorChargeID string, settledAt time.Time) (*domain.Charge, error) {
	res := &processor.ChargeResult{ProcessorChargeID: processorChargeID, Status: "succeeded"}
	if err := s.recordAt(ctx, tenant, chargeID, res, settledAt); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenant, chargeID)
}

// Fail marks a pending charge failed with the processor's decline code.
func (s *ChargeService) Fail(ctx context.Context, tenant, chargeID, failureCode, failureMessage string) (*domain.Charge, error) {
	res := &processor.ChargeResult{Status: "failed", FailureCode: failureCode, FailureMessage: failureMessage}
	if err := s.record(ctx, tenant, chargeID, res); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenant, chargeID)
}

// record writes the processor outcome in its own transaction.
func (s *ChargeService) record(ctx context.Context, tenant, chargeID string, res *processor.ChargeResult) error {
	return s.recordAt(ctx, tenant, chargeID, res, s.deps.Now())
}

func (s *ChargeService) recordAt(ctx context.Context, tenant, chargeID string, res *processor.ChargeResult, at time.Time) error {
	const op = "charge.record"

	var invoicePaid *domain.Invoice
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		charge, err := tx.Charges().GetForUpdate(ctx, tenant, chargeID)
		if err != nil {
			return notFoundOrInternal(err, op, "charge", chargeID)
		}
		if charge.Status != domain.ChargePending {
			// Webhook and synchronous paths raced; first outcome wins.
			return nil
		}
		if res.ProcessorChargeID != "" {
			charge.ProcessorChargeID = res.ProcessorChargeID
		}
		charge.UpdatedAt = s.deps.Now()

		if res.Status != "succeeded" {
			charge.Status = domain.ChargeFailed
			charge.FailureCode = res.FailureCode
			charge.FailureMessage = res.FailureMessage
			return tx.Charges().Update(ctx, charge)
		}

		charge.Status = domain.ChargeSucceeded
		settled := at
		charge.SettledAt = &settled
		if err := tx.Charges().Update(ctx, charge); err != nil {
			return domain.WrapInternal(err, op)
		}

		if charge.InvoiceID != "" {
			inv, err := s.applications.applyTx(ctx, tx, tenant, applyRequest{
				InvoiceID:     charge.InvoiceID,
				AmountCents:   charge.AmountCents,
				Currency:      charge.Currency,
				SourceEventID: "charge:" + charge.ID,
				Description:   "payment for charge " + charge.ID,
				Allocation:    domain.AllocationAuto,
				ChargeID:      charge.ID,
				OccurredAt:    settled,
			})
			if err != nil {
				return err
			}
			if inv.Status == domain.InvoicePaid {
				invoicePaid = inv
			}
			return nil
		}

		// Ad-hoc charge: a payment on account reduces the receivable.
		if _, _, err := s.deps.Poster.PostTx(ctx, tx, tenant, ledger.Entry{
			CustomerID:    charge.CustomerID,
			Type:          domain.LedgerPaymentApplied,
			DeltaCents:    -charge.AmountCents,
			Currency:      charge.Currency,
			SourceEventID: "charge:" + charge.ID,
			Description:   "payment on account",
			OccurredAt:    settled,
		}); err != nil {
			return err
		}
		return s.deps.GL.Enqueue(ctx, tx, tenant, glpost.Intent{
			Trigger:        glpost.TriggerPaymentApplied,
			PostingEventID: "charge:" + charge.ID,
			SourceType:     "charge",
			SourceID:       charge.ID,
			AmountCents:    charge.AmountCents,
			Currency:       charge.Currency,
			PostingDate:    settled,
		})
	})
	if err != nil {
		return err
	}
	if invoicePaid != nil {
		s.deps.publish(ctx, tenant, events.SubjectInvoicePaid, invoicePaid)
	}
	return nil
}

// resolveMethod returns the explicit method or the customer's default,
// requiring it to be usable.
func (s *ChargeService) resolveMethod(ctx context.Context, tenant string, customer *domain.Customer, methodID string) (*domain.PaymentMethod, error) {
	const op = "charge.resolve_method"
	if methodID != "" {
		method, err := s.deps.Store.PaymentMethods().Get(ctx, tenant, methodID)
		if err != nil {
			return nil, notFoundOrInternal(err, op, "payment method", methodID)
		}
		if method.CustomerID != customer.ID {
			return nil, domain.NewNotFoundError(op, "payment method", methodID)
		}
		if !method.Usable() {
			return nil, domain.NewBusinessRuleError(op, domain.CodeNoDefaultPaymentMethod,
				"payment method is not active")
		}
		return method, nil
	}
	method, err := s.deps.Store.PaymentMethods().GetDefault(ctx, tenant, customer.ID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, domain.NewBusinessRuleError(op, domain.CodeNoDefaultPaymentMethod,
				"customer has no default payment method")
		}
		return nil, domain.WrapInternal(err, op)
	}
	if !method.Usable() {
		return nil, domain.NewBusinessRuleError(op, domain.CodeNoDefaultPaymentMethod,
			"customer has no usable default payment method")
	}
	return method, nil
}
