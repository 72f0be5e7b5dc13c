package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/storage"
)

// RefundService returns funds from settled charges. It follows the charge
// pattern: pending row first, processor call outside the transaction, the
// outcome in a second transaction.
type RefundService struct {
	deps Deps
}

// CreateRefundInput is the refund command.
type CreateRefundInput struct {
	ChargeID    string `json:"charge_id"`
	AmountCents int64  `json:"amount_cents"`
	ReferenceID string `json:"reference_id"`
	Reason      string `json:"reason,omitempty"`
}

// Create refunds part or all of a settled charge. A replayed reference id
// returns the original refund.
func (s *RefundService) Create(ctx context.Context, tenant string, in CreateRefundInput) (*domain.Refund, error) {
	const op = "refund.create"

	in.ReferenceID = strings.TrimSpace(in.ReferenceID)
	if in.ReferenceID == "" {
		return nil, domain.NewValidationError(op, "reference_id is required")
	}
	if in.AmountCents <= 0 {
		return nil, domain.NewValidationError(op, "amount_cents must be positive")
	}

	if existing, err := s.deps.Store.Refunds().GetByReferenceID(ctx, tenant, in.ReferenceID); err == nil {
		return existing, nil
	} else if !storage.IsNotFound(err) {
		return nil, domain.WrapInternal(err, op)
	}

	charge, err := s.deps.Store.Charges().Get(ctx, tenant, in.ChargeID)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "charge", in.ChargeID)
	}
	if charge.Status != domain.ChargeSucceeded {
		return nil, domain.NewBusinessRuleError(op, domain.CodeChargeNotSettled,
			"charge has not settled; only settled charges can be refunded")
	}
	if in.AmountCents > charge.Refundable() {
		return nil, domain.NewBusinessRuleError(op, domain.CodeAmountMismatch,
			"refund exceeds the charge's refundable amount")
	}

	client, err := s.deps.client(tenant)
	if err != nil {
		return nil, err
	}

	now := s.deps.Now()
	refund := &domain.Refund{
		ID:          domain.NewID(domain.PrefixRefund),
		TenantID:    tenant,
		ChargeID:    charge.ID,
		ReferenceID: in.ReferenceID,
		AmountCents: in.AmountCents,
		Currency:    charge.Currency,
		Status:      domain.RefundPending,
		Reason:      in.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.Refunds().Insert(ctx, refund); err != nil {
		if storage.IsDuplicate(err) {
			existing, getErr := s.deps.Store.Refunds().GetByReferenceID(ctx, tenant, in.ReferenceID)
			if getErr != nil {
				return nil, domain.WrapInternal(getErr, op)
			}
			return existing, nil
		}
		return nil, domain.WrapInternal(err, op)
	}

	cctx, cancel := callCtx(ctx)
	res, callErr := client.CreateRefund(cctx, processor.CreateRefundRequest{
		ProcessorChargeID: charge.ProcessorChargeID,
		AmountCents:       refund.AmountCents,
		Currency:          string(refund.Currency),
		ReferenceID:       refund.ReferenceID,
		Reason:            in.Reason,
	})
	cancel()
	if callErr != nil {
		if processor.IsRetriable(callErr) {
			s.deps.Logger.Warn("refund outcome unknown after processor call",
				zap.String("tenant", tenant),
				zap.String("refund_id", refund.ID),
				zap.Error(callErr))
			return nil, processorFailure(op, callErr)
		}
		res = &processor.RefundResult{Status: "failed", FailureCode: processor.ErrorCode(callErr)}
	}

	if err := s.record(ctx, tenant, refund.ID, res); err != nil {
		return nil, err
	}
	refund, err = s.deps.Store.Refunds().Get(ctx, tenant, refund.ID)
	if err != nil {
		return nil, domain.WrapInternal(err, op)
	}
	return refund, nil
}

// Get fetches a refund.
func (s *RefundService) Get(ctx context.Context, tenant, id string) (*domain.Refund, error) {
	refund, err := s.deps.Store.Refunds().Get(ctx, tenant, id)
	if err != nil {
		return nil, notFoundOrInternal(err, "refund.get", "refund", id)
	}
	return refund, nil
}

// Settle marks a pending refund succeeded; webhook handlers call it on
// asynchronous confirmation.
func (s *RefundService) Settle(ctx context.Context, tenant, refundID, processorRefundID string) (*domain.Refund, error) {
	res := &processor.RefundResult{ProcessorRefundID: processorRefundID, Status: "succeeded"}
	if err := s.record(ctx, tenant, refundID, res); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenant, refundID)
}

// Fail marks a pending refund failed.
func (s *RefundService) Fail(ctx context.Context, tenant, refundID, failureCode string) (*domain.Refund, error) {
	res := &processor.RefundResult{Status: "failed", FailureCode: failureCode}
	if err := s.record(ctx, tenant, refundID, res); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenant, refundID)
}

// record writes the processor outcome. A successful refund re-opens the
// receivable: the ledger delta is negative by sign convention on the refund
// event type, and the GL intent moves cash back through sales returns.
func (s *RefundService) record(ctx context.Context, tenant, refundID string, res *processor.RefundResult) error {
	const op = "refund.record"

	return storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		refund, err := tx.Refunds().Get(ctx, tenant, refundID)
		if err != nil {
			return notFoundOrInternal(err, op, "refund", refundID)
		}
		if refund.Status != domain.RefundPending {
			return nil
		}
		charge, err := tx.Charges().GetForUpdate(ctx, tenant, refund.ChargeID)
		if err != nil {
			return notFoundOrInternal(err, op, "charge", refund.ChargeID)
		}

		if res.ProcessorRefundID != "" {
			refund.ProcessorRefundID = res.ProcessorRefundID
		}
		refund.UpdatedAt = s.deps.Now()

		if res.Status != "succeeded" {
			refund.Status = domain.RefundFailed
			refund.FailureCode = res.FailureCode
			return tx.Refunds().Update(ctx, refund)
		}

		refund.Status = domain.RefundSucceeded
		if err := tx.Refunds().Update(ctx, refund); err != nil {
			return domain.WrapInternal(err, op)
		}
		charge.RefundedCents += refund.AmountCents
		charge.UpdatedAt = s.deps.Now()
		if err := tx.Charges().Update(ctx, charge); err != nil {
			return domain.WrapInternal(err, op)
		}

		if _, _, err := s.deps.Poster.PostTx(ctx, tx, tenant, ledger.Entry{
			CustomerID:    charge.CustomerID,
			InvoiceID:     charge.InvoiceID,
			Type:          domain.LedgerRefund,
			DeltaCents:    -refund.AmountCents,
			Currency:      refund.Currency,
			SourceEventID: "refund:" + refund.ID,
			Description:   "refund of charge " + charge.ID,
			OccurredAt:    s.deps.Now(),
		}); err != nil {
			return err
		}
		return s.deps.GL.Enqueue(ctx, tx, tenant, glpost.Intent{
			Trigger:        glpost.TriggerRefundRecorded,
			PostingEventID: "refund:" + refund.ID,
			SourceType:     "refund",
			SourceID:       refund.ID,
			AmountCents:    refund.AmountCents,
			Currency:       refund.Currency,
			PostingDate:    s.deps.Now(),
		})
	})
}
