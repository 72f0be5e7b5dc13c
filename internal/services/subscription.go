package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/storage"
)

// SubscriptionService mirrors processor-managed recurring billing. The
// processor owns the billing engine; the local row is a snapshot kept
// current by commands and by the subscription webhook handler.
type SubscriptionService struct {
	deps Deps
}

// CreateSubscriptionInput opens a recurring agreement.
type CreateSubscriptionInput struct {
	CustomerID      string            `json:"customer_id"`
	PaymentMethodID string            `json:"payment_method_id,omitempty"`
	PlanCode        string            `json:"plan_code"`
	AmountCents     int64             `json:"amount_cents"`
	Currency        string            `json:"currency"`
	Interval        string            `json:"interval"`
	IntervalCount   int               `json:"interval_count"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Create registers the subscription with the processor and mirrors it
// locally. The processor call happens before the local insert: there is no
// meaningful local state without a processor-side agreement.
func (s *SubscriptionService) Create(ctx context.Context, tenant string, in CreateSubscriptionInput) (*domain.Subscription, error) {
	const op = "subscription.create"

	in.PlanCode = strings.TrimSpace(in.PlanCode)
	if in.PlanCode == "" {
		return nil, domain.NewValidationError(op, "plan_code is required")
	}
	if in.AmountCents <= 0 {
		return nil, domain.NewValidationError(op, "amount_cents must be positive")
	}
	currency, err := domain.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	interval := domain.BillingInterval(in.Interval)
	if !interval.Valid() {
		return nil, domain.NewValidationError(op, "interval must be month or year")
	}
	if in.IntervalCount <= 0 {
		in.IntervalCount = 1
	}
	if s.deps.Entitlements != nil {
		if err := s.deps.Entitlements.CheckPlan(tenant, in.PlanCode); err != nil {
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
			"subscription currency does not match customer currency")
	}

	method, err := s.resolveMethod(ctx, tenant, customer, in.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	client, err := s.deps.client(tenant)
	if err != nil {
		return nil, err
	}
	if err := ensureProcessorCustomer(ctx, s.deps, client, tenant, customer); err != nil {
		return nil, err
	}

	cctx, cancel := callCtx(ctx)
	res, callErr := client.CreateSubscription(cctx, processor.CreateSubscriptionRequest{
		ProcessorCustomerID: customer.ProcessorCustomerID,
		ProcessorMethodID:   method.ProcessorMethodID,
		PlanCode:            in.PlanCode,
		AmountCents:         in.AmountCents,
		Currency:            string(currency),
		Interval:            string(interval),
		IntervalCount:       in.IntervalCount,
		Metadata:            in.Metadata,
	})
	cancel()
	if callErr != nil {
		return nil, processorFailure(op, callErr)
	}

	now := s.deps.Now()
	sub := &domain.Subscription{
		ID:                      domain.NewID(domain.PrefixSubscription),
		TenantID:                tenant,
		CustomerID:              customer.ID,
		ProcessorSubscriptionID: res.ProcessorSubscriptionID,
		PlanCode:                in.PlanCode,
		AmountCents:             in.AmountCents,
		Currency:                currency,
		Interval:                interval,
		IntervalCount:           in.IntervalCount,
		Status:                  domain.SubscriptionActive,
		CurrentPeriodStart:      res.CurrentPeriodStart,
		CurrentPeriodEnd:        res.CurrentPeriodEnd,
		Metadata:                in.Metadata,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.deps.Store.Subscriptions().Insert(ctx, sub); err != nil {
		return nil, domain.WrapInternal(err, op)
	}
	return sub, nil
}

// Get fetches a subscription.
func (s *SubscriptionService) Get(ctx context.Context, tenant, id string) (*domain.Subscription, error) {
	sub, err := s.deps.Store.Subscriptions().Get(ctx, tenant, id)
	if err != nil {
		return nil, notFoundOrInternal(err, "subscription.get", "subscription", id)
	}
	return sub, nil
}

// UpdateSubscriptionInput carries the mutable fields. Billing-cycle fields
// travel as pointers purely so their presence can be rejected.
type UpdateSubscriptionInput struct {
	Metadata map[string]string `json:"metadata,omitempty"`

	PlanCode      *string `json:"plan_code,omitempty"`
	AmountCents   *int64  `json:"amount_cents,omitempty"`
	Currency      *string `json:"currency,omitempty"`
	Interval      *string `json:"interval,omitempty"`
	IntervalCount *int    `json:"interval_count,omitempty"`
}

// Update syncs metadata. Billing-cycle fields are immutable after creation:
// changing terms means cancelling and creating a replacement. The processor
// sync is best-effort; a sync failure keeps local state and is logged with
// enough detail for reconciliation to flag the drift.
func (s *SubscriptionService) Update(ctx context.Context, tenant, id string, in UpdateSubscriptionInput) (*domain.Subscription, error) {
	const op = "subscription.update"

	if in.PlanCode != nil || in.AmountCents != nil || in.Currency != nil ||
		in.Interval != nil || in.IntervalCount != nil {
		return nil, domain.NewBusinessRuleError(op, domain.CodeUnsupportedField,
			"billing-cycle fields are immutable; cancel and create a new subscription")
	}

	var sub *domain.Subscription
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		var err error
		sub, err = s.lockSubscription(ctx, tx, tenant, id, op)
		if err != nil {
			return err
		}
		if in.Metadata != nil {
			sub.Metadata = in.Metadata
		}
		sub.UpdatedAt = s.deps.Now()
		return domain.WrapInternal(tx.Subscriptions().Update(ctx, sub), op)
	})
	if err != nil {
		return nil, err
	}

	if in.Metadata != nil && sub.ProcessorSubscriptionID != "" {
		s.mirror(ctx, tenant, sub, processor.UpdateSubscriptionRequest{
			ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
			Metadata:                in.Metadata,
		})
	}
	return sub, nil
}

// Cancel stops the subscription, either immediately or at the end of the
// current period. The local transition commits first; the processor mirror
// is best-effort and a mirror failure leaves a divergence for
// reconciliation.
func (s *SubscriptionService) Cancel(ctx context.Context, tenant, id string, atPeriodEnd bool) (*domain.Subscription, error) {
	const op = "subscription.cancel"

	var sub *domain.Subscription
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		var err error
		sub, err = s.lockSubscription(ctx, tx, tenant, id, op)
		if err != nil {
			return err
		}
		if sub.Status == domain.SubscriptionCanceled {
			return nil
		}
		now := s.deps.Now()
		if atPeriodEnd {
			sub.CancelAtPeriodEnd = true
		} else {
			sub.Status = domain.SubscriptionCanceled
			sub.CanceledAt = &now
		}
		sub.UpdatedAt = now
		return domain.WrapInternal(tx.Subscriptions().Update(ctx, sub), op)
	})
	if err != nil {
		return nil, err
	}

	if sub.ProcessorSubscriptionID != "" {
		client, cerr := s.deps.client(tenant)
		if cerr == nil {
			cctx, cancel := callCtx(ctx)
			_, mErr := client.CancelSubscription(cctx, sub.ProcessorSubscriptionID, atPeriodEnd)
			cancel()
			if mErr != nil {
				s.deps.Logger.Warn("subscription cancel mirror failed; reconciliation will flag it",
					zap.String("tenant", tenant),
					zap.String("subscription_id", sub.ID),
					zap.String("processor_subscription_id", sub.ProcessorSubscriptionID),
					zap.Bool("at_period_end", atPeriodEnd),
					zap.Error(mErr))
			}
		}
	}
	return sub, nil
}

// ListByCustomer returns the customer's subscriptions.
func (s *SubscriptionService) ListByCustomer(ctx context.Context, tenant, customerID string) ([]domain.Subscription, error) {
	out, err := s.deps.Store.Subscriptions().ListByCustomer(ctx, tenant, customerID)
	if err != nil {
		return nil, domain.WrapInternal(err, "subscription.list")
	}
	return out, nil
}

// mirror pushes a best-effort update to the processor.
func (s *SubscriptionService) mirror(ctx context.Context, tenant string, sub *domain.Subscription, req processor.UpdateSubscriptionRequest) {
	client, err := s.deps.client(tenant)
	if err != nil {
		return
	}
	cctx, cancel := callCtx(ctx)
	defer cancel()
	if _, err := client.UpdateSubscription(cctx, req); err != nil {
		s.deps.Logger.Warn("subscription metadata sync failed; reconciliation will flag it",
			zap.String("tenant", tenant),
			zap.String("subscription_id", sub.ID),
			zap.String("processor_subscription_id", sub.ProcessorSubscriptionID),
			zap.Error(err))
	}
}

// lockSubscription locks customer then subscription, honoring the fixed
// aggregate lock order.
func (s *SubscriptionService) lockSubscription(ctx context.Context, tx storage.Tx, tenant, id, op string) (*domain.Subscription, error) {
	sub, err := tx.Subscriptions().Get(ctx, tenant, id)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "subscription", id)
	}
	if _, err := tx.Customers().GetForUpdate(ctx, tenant, sub.CustomerID); err != nil {
		return nil, notFoundOrInternal(err, op, "customer", sub.CustomerID)
	}
	return sub, nil
}

// resolveMethod mirrors the charge service's method resolution.
func (s *SubscriptionService) resolveMethod(ctx context.Context, tenant string, customer *domain.Customer, methodID string) (*domain.PaymentMethod, error) {
	const op = "subscription.resolve_method"
	if methodID != "" {
		method, err := s.deps.Store.PaymentMethods().Get(ctx, tenant, methodID)
		if err != nil {
			return nil, notFoundOrInternal(err, op, "payment method", methodID)
		}
		if method.CustomerID != customer.ID || !method.Usable() {
			return nil, domain.NewBusinessRuleError(op, domain.CodeNoDefaultPaymentMethod,
				"payment method is not usable")
		}
		return method, nil
	}
	method, err := s.deps.Store.PaymentMethods().GetDefault(ctx, tenant, customer.ID)
	if err != nil || !method.Usable() {
		return nil, domain.NewBusinessRuleError(op, domain.CodeNoDefaultPaymentMethod,
			"customer has no usable default payment method")
	}
	return method, nil
}
