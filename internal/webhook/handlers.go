package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/reconcile"
	"github.com/ledgerline/arcd/internal/retry"
	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
)

// disputeRank orders dispute statuses for out-of-order delivery: a closed
// status never regresses to an open one.
var disputeRank = map[domain.DisputeStatus]int{
	domain.DisputeOpened:            1,
	domain.DisputeEvidenceSubmitted: 2,
	domain.DisputeExpired:           3,
	domain.DisputeClosedWon:         3,
	domain.DisputeClosedLost:        3,
	domain.DisputeClosedAccepted:    3,
}

// Handlers dispatches verified webhook events to the state they affect.
// Every handler is idempotent: redeliveries and out-of-order arrivals settle
// on the same final state.
type Handlers struct {
	Store   storage.Store
	Charges *services.ChargeService
	Refunds *services.RefundService
	Poster  *ledger.Poster
	GL      *glpost.Builder
	Dunning *retry.Dunning
	Logger  *zap.Logger
	Now     func() time.Time
}

func (h *Handlers) defaults() {
	if h.Now == nil {
		h.Now = func() time.Time { return time.Now().UTC() }
	}
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
}

// Handle routes one event. Unknown types are logged and succeed so new
// processor event kinds pass through without dead-lettering.
func (h *Handlers) Handle(ctx context.Context, tenant string, event *Event) error {
	h.defaults()
	switch {
	case event.Type == TypePaymentSucceeded:
		return h.paymentSucceeded(ctx, tenant, event)
	case event.Type == TypePaymentFailed:
		return h.paymentFailed(ctx, tenant, event)
	case strings.HasPrefix(event.Type, PrefixRefund):
		return h.refundEvent(ctx, tenant, event)
	case strings.HasPrefix(event.Type, PrefixDispute):
		return h.disputeEvent(ctx, tenant, event)
	case strings.HasPrefix(event.Type, PrefixSubscription):
		return h.subscriptionEvent(ctx, tenant, event)
	default:
		h.Logger.Info("ignoring unknown webhook event type",
			zap.String("tenant", tenant),
			zap.String("event_id", event.ID),
			zap.String("type", event.Type))
		return nil
	}
}

func (h *Handlers) paymentSucceeded(ctx context.Context, tenant string, event *Event) error {
	var data PaymentData
	if err := json.Unmarshal(event.Data, &data); err != nil || data.ProcessorChargeID == "" {
		return errMalformed
	}
	charge, err := h.findCharge(ctx, tenant, data)
	if err != nil {
		return err
	}
	if charge == nil {
		h.missingLocal(ctx, tenant, "charge", data.ProcessorChargeID, event)
		return nil
	}
	settledAt := h.Now()
	if data.OccurredAt != nil {
		settledAt = *data.OccurredAt
	}
	_, err = h.Charges.Settle(ctx, tenant, charge.ID, data.ProcessorChargeID, settledAt)
	return err
}

func (h *Handlers) paymentFailed(ctx context.Context, tenant string, event *Event) error {
	var data PaymentData
	if err := json.Unmarshal(event.Data, &data); err != nil || data.ProcessorChargeID == "" {
		return errMalformed
	}
	charge, err := h.findCharge(ctx, tenant, data)
	if err != nil {
		return err
	}
	if charge == nil {
		h.missingLocal(ctx, tenant, "charge", data.ProcessorChargeID, event)
		return nil
	}
	if _, err := h.Charges.Fail(ctx, tenant, charge.ID, data.FailureCode, data.FailureMessage); err != nil {
		return err
	}
	if h.Dunning != nil && charge.InvoiceID != "" {
		h.Dunning.RecordFailure(ctx, tenant, charge.InvoiceID, data.FailureCode, charge.Attempt)
	}
	return nil
}

// findCharge resolves the local charge by processor id, falling back to the
// reference id for events that beat the synchronous outcome write.
// missingLocal files the processor's record of an entity the engine has no
// row for; the delivery itself still succeeds.
func (h *Handlers) missingLocal(ctx context.Context, tenant, kind, processorID string, event *Event) {
	h.Logger.Warn("webhook references unknown local record",
		zap.String("tenant", tenant),
		zap.String("entity_kind", kind),
		zap.String("processor_id", processorID),
		zap.String("event_id", event.ID))
	reconcile.RecordExternal(ctx, h.Store, h.Logger, domain.Divergence{
		TenantID:       tenant,
		EntityKind:     kind,
		ProcessorID:    processorID,
		Type:           domain.DivergenceMissingLocal,
		RemoteSnapshot: event.Data,
		DetectedAt:     h.Now(),
	})
}

func (h *Handlers) findCharge(ctx context.Context, tenant string, data PaymentData) (*domain.Charge, error) {
	charge, err := h.Store.Charges().GetByProcessorID(ctx, tenant, data.ProcessorChargeID)
	if err == nil {
		return charge, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}
	if data.ReferenceID == "" {
		return nil, nil
	}
	charge, err = h.Store.Charges().GetByReferenceID(ctx, tenant, data.ReferenceID)
	if err == nil {
		return charge, nil
	}
	if storage.IsNotFound(err) {
		return nil, nil
	}
	return nil, err
}

// refundEvent upserts by (tenant, processor_refund_id). A refund initiated
// at the processor is mirrored locally only when its charge resolves.
func (h *Handlers) refundEvent(ctx context.Context, tenant string, event *Event) error {
	var data RefundData
	if err := json.Unmarshal(event.Data, &data); err != nil || data.ProcessorRefundID == "" {
		return errMalformed
	}

	refund, err := h.Store.Refunds().GetByProcessorID(ctx, tenant, data.ProcessorRefundID)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	if refund == nil && data.ReferenceID != "" {
		refund, err = h.Store.Refunds().GetByReferenceID(ctx, tenant, data.ReferenceID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
	}

	if refund == nil {
		charge, err := h.Store.Charges().GetByProcessorID(ctx, tenant, data.ProcessorChargeID)
		if err != nil {
			if storage.IsNotFound(err) {
				h.missingLocal(ctx, tenant, "refund", data.ProcessorRefundID, event)
				return nil
			}
			return err
		}
		now := h.Now()
		reference := data.ReferenceID
		if reference == "" {
			reference = "processor:" + data.ProcessorRefundID
		}
		refund = &domain.Refund{
			ID:                domain.NewID(domain.PrefixRefund),
			TenantID:          tenant,
			ChargeID:          charge.ID,
			ReferenceID:       reference,
			ProcessorRefundID: data.ProcessorRefundID,
			AmountCents:       data.AmountCents,
			Currency:          charge.Currency,
			Status:            domain.RefundPending,
			Reason:            data.Reason,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := h.Store.Refunds().Insert(ctx, refund); err != nil {
			if storage.IsDuplicate(err) {
				return nil // concurrent delivery created it; that path settles it
			}
			return err
		}
	}

	switch data.Status {
	case "succeeded":
		_, err = h.Refunds.Settle(ctx, tenant, refund.ID, data.ProcessorRefundID)
	case "failed":
		_, err = h.Refunds.Fail(ctx, tenant, refund.ID, data.FailureCode)
	}
	return err
}

// disputeEvent upserts by (tenant, processor_dispute_id) with monotonic
// status; closing as lost posts the loss to ledger and GL exactly once.
func (h *Handlers) disputeEvent(ctx context.Context, tenant string, event *Event) error {
	var data DisputeData
	if err := json.Unmarshal(event.Data, &data); err != nil || data.ProcessorDisputeID == "" {
		return errMalformed
	}
	status := domain.DisputeStatus(data.Status)
	if _, ok := disputeRank[status]; !ok {
		return errMalformed
	}

	return storage.WithinTx(ctx, h.Store, func(tx storage.Tx) error {
		dispute, err := tx.Disputes().GetByProcessorID(ctx, tenant, data.ProcessorDisputeID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}

		now := h.Now()
		if dispute == nil {
			local, err := tx.Charges().GetByProcessorID(ctx, tenant, data.ProcessorChargeID)
			if err != nil {
				if storage.IsNotFound(err) {
					h.Logger.Warn("dispute event for unresolvable charge; skipping",
						zap.String("tenant", tenant),
						zap.String("processor_dispute_id", data.ProcessorDisputeID))
					return nil
				}
				return err
			}
			openedAt := now
			if data.OpenedAt != nil {
				openedAt = *data.OpenedAt
			}
			dispute = &domain.Dispute{
				ID:                 domain.NewID(domain.PrefixDispute),
				TenantID:           tenant,
				ChargeID:           local.ID,
				ProcessorDisputeID: data.ProcessorDisputeID,
				AmountCents:        data.AmountCents,
				Currency:           local.Currency,
				Status:             status,
				Reason:             data.Reason,
				OpenedAt:           openedAt,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := tx.Disputes().Insert(ctx, dispute); err != nil {
				if storage.IsDuplicate(err) {
					return nil
				}
				return err
			}
		} else {
			if disputeRank[status] < disputeRank[dispute.Status] {
				// Stale out-of-order delivery; the later status stands.
				return nil
			}
			dispute.Status = status
			if data.Reason != "" {
				dispute.Reason = data.Reason
			}
			if status.Closed() && dispute.ClosedAt == nil {
				closedAt := now
				if data.ClosedAt != nil {
					closedAt = *data.ClosedAt
				}
				dispute.ClosedAt = &closedAt
			}
			dispute.UpdatedAt = now
			if err := tx.Disputes().Update(ctx, dispute); err != nil {
				return err
			}
		}

		if dispute.Status != domain.DisputeClosedLost {
			return nil
		}
		charge, err := tx.Charges().Get(ctx, tenant, dispute.ChargeID)
		if err != nil {
			return err
		}
		if _, _, err := h.Poster.PostTx(ctx, tx, tenant, ledger.Entry{
			CustomerID:    charge.CustomerID,
			InvoiceID:     charge.InvoiceID,
			Type:          domain.LedgerDisputeLost,
			DeltaCents:    -dispute.AmountCents,
			Currency:      dispute.Currency,
			SourceEventID: "dispute:" + dispute.ID + ":lost",
			Description:   "dispute lost",
			OccurredAt:    now,
		}); err != nil {
			return err
		}
		return h.GL.Enqueue(ctx, tx, tenant, glpost.Intent{
			Trigger:        glpost.TriggerDisputeLost,
			PostingEventID: "dispute:" + dispute.ID + ":lost",
			SourceType:     "dispute",
			SourceID:       dispute.ID,
			AmountCents:    dispute.AmountCents,
			Currency:       dispute.Currency,
			PostingDate:    now,
		})
	})
}

// subscriptionEvent refreshes the local snapshot. Cancellation is terminal:
// a stale active-status event never resurrects a canceled subscription.
func (h *Handlers) subscriptionEvent(ctx context.Context, tenant string, event *Event) error {
	var data SubscriptionData
	if err := json.Unmarshal(event.Data, &data); err != nil || data.ProcessorSubscriptionID == "" {
		return errMalformed
	}

	return storage.WithinTx(ctx, h.Store, func(tx storage.Tx) error {
		sub, err := tx.Subscriptions().GetByProcessorID(ctx, tenant, data.ProcessorSubscriptionID)
		if err != nil {
			if storage.IsNotFound(err) {
				h.Logger.Warn("subscription event for unknown subscription; reconciliation will flag it",
					zap.String("tenant", tenant),
					zap.String("processor_subscription_id", data.ProcessorSubscriptionID))
				return nil
			}
			return err
		}
		if _, err := tx.Customers().GetForUpdate(ctx, tenant, sub.CustomerID); err != nil {
			return err
		}

		now := h.Now()
		if sub.Status != domain.SubscriptionCanceled {
			switch data.Status {
			case "active":
				sub.Status = domain.SubscriptionActive
			case "past_due":
				sub.Status = domain.SubscriptionPastDue
			case "canceled":
				sub.Status = domain.SubscriptionCanceled
				canceledAt := now
				if data.CanceledAt != nil {
					canceledAt = *data.CanceledAt
				}
				sub.CanceledAt = &canceledAt
			}
		}
		sub.CancelAtPeriodEnd = data.CancelAtPeriodEnd
		if data.CurrentPeriodStart != nil {
			sub.CurrentPeriodStart = *data.CurrentPeriodStart
		}
		if data.CurrentPeriodEnd != nil {
			sub.CurrentPeriodEnd = *data.CurrentPeriodEnd
		}
		if data.Metadata != nil {
			sub.Metadata = data.Metadata
		}
		sub.UpdatedAt = now
		return tx.Subscriptions().Update(ctx, sub)
	})
}
