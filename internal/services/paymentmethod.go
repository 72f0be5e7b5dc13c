package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/storage"
)

// PaymentMethodService manages vaulted instrument references. The engine
// only ever sees processor tokens; the PCI guard at the transport layer has
// already rejected raw card data before a request reaches here.
type PaymentMethodService struct {
	deps Deps
}

// AttachInput vaults a frontend-tokenized instrument.
type AttachInput struct {
	CustomerID string `json:"customer_id"`
	Token      string `json:"token"`
	SetDefault bool   `json:"set_default"`
}

// Attach registers the token with the processor and activates the local
// reference. The pending row is committed before the processor call; a
// failed attach soft-deletes it so no half-attached method lingers.
func (s *PaymentMethodService) Attach(ctx context.Context, tenant string, in AttachInput) (*domain.PaymentMethod, error) {
	const op = "payment_method.attach"

	in.Token = strings.TrimSpace(in.Token)
	if in.Token == "" {
		return nil, domain.NewValidationError(op, "token is required")
	}
	customer, err := s.deps.Store.Customers().Get(ctx, tenant, in.CustomerID)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "customer", in.CustomerID)
	}
	if customer.Deleted() {
		return nil, domain.NewNotFoundError(op, "customer", in.CustomerID)
	}
	client, err := s.deps.client(tenant)
	if err != nil {
		return nil, err
	}
	if err := ensureProcessorCustomer(ctx, s.deps, client, tenant, customer); err != nil {
		return nil, err
	}

	now := s.deps.Now()
	method := &domain.PaymentMethod{
		ID:         domain.NewID(domain.PrefixPaymentMethod),
		TenantID:   tenant,
		CustomerID: customer.ID,
		Status:     domain.PaymentMethodPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deps.Store.PaymentMethods().Insert(ctx, method); err != nil {
		return nil, domain.WrapInternal(err, op)
	}

	cctx, cancel := callCtx(ctx)
	res, attachErr := client.AttachPaymentMethod(cctx, processor.AttachPaymentMethodRequest{
		ProcessorCustomerID: customer.ProcessorCustomerID,
		Token:               in.Token,
	})
	cancel()
	if attachErr != nil {
		s.discardPending(ctx, tenant, method)
		return nil, processorFailure(op, attachErr)
	}

	err = storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		// Lock the aggregate before touching default flags.
		if _, err := tx.Customers().GetForUpdate(ctx, tenant, customer.ID); err != nil {
			return notFoundOrInternal(err, op, "customer", customer.ID)
		}
		method.ProcessorMethodID = res.ProcessorMethodID
		method.Kind = res.Kind
		method.Brand = res.Brand
		method.Last4 = res.Last4
		method.ExpMonth = res.ExpMonth
		method.ExpYear = res.ExpYear
		method.Status = domain.PaymentMethodActive
		method.UpdatedAt = s.deps.Now()

		makeDefault := in.SetDefault
		if !makeDefault {
			// The first usable method becomes the default automatically.
			if _, err := tx.PaymentMethods().GetDefault(ctx, tenant, customer.ID); storage.IsNotFound(err) {
				makeDefault = true
			}
		}
		if makeDefault {
			if err := tx.PaymentMethods().ClearDefault(ctx, tenant, customer.ID); err != nil {
				return domain.WrapInternal(err, op)
			}
			method.Default = true
		}
		if err := tx.PaymentMethods().Update(ctx, method); err != nil {
			return domain.WrapInternal(err, op)
		}
		if makeDefault {
			return s.syncCustomerDefault(ctx, tx, tenant, customer.ID, method.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return method, nil
}

// SetDefault atomically makes the method the customer's default.
func (s *PaymentMethodService) SetDefault(ctx context.Context, tenant, methodID string) (*domain.PaymentMethod, error) {
	const op = "payment_method.set_default"
	var method *domain.PaymentMethod
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		m, err := tx.PaymentMethods().Get(ctx, tenant, methodID)
		if err != nil {
			return notFoundOrInternal(err, op, "payment method", methodID)
		}
		if !m.Usable() {
			return domain.NewBusinessRuleError(op, domain.CodeNoDefaultPaymentMethod,
				"payment method is not active")
		}
		if _, err := tx.Customers().GetForUpdate(ctx, tenant, m.CustomerID); err != nil {
			return notFoundOrInternal(err, op, "customer", m.CustomerID)
		}
		if err := tx.PaymentMethods().ClearDefault(ctx, tenant, m.CustomerID); err != nil {
			return domain.WrapInternal(err, op)
		}
		m.Default = true
		m.UpdatedAt = s.deps.Now()
		if err := tx.PaymentMethods().Update(ctx, m); err != nil {
			return domain.WrapInternal(err, op)
		}
		method = m
		return s.syncCustomerDefault(ctx, tx, tenant, m.CustomerID, m.ID)
	})
	if err != nil {
		return nil, err
	}
	return method, nil
}

// Delete soft-deletes the method by its verified local id and detaches it at
// the processor best-effort. If it was the default, the customer's fast-path
// reference is cleared in the same transaction.
func (s *PaymentMethodService) Delete(ctx context.Context, tenant, methodID string) error {
	const op = "payment_method.delete"
	var processorMethodID string
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		m, err := tx.PaymentMethods().Get(ctx, tenant, methodID)
		if err != nil {
			return notFoundOrInternal(err, op, "payment method", methodID)
		}
		if m.Status == domain.PaymentMethodDeleted {
			return nil
		}
		if _, err := tx.Customers().GetForUpdate(ctx, tenant, m.CustomerID); err != nil {
			return notFoundOrInternal(err, op, "customer", m.CustomerID)
		}
		now := s.deps.Now()
		wasDefault := m.Default
		m.Status = domain.PaymentMethodDeleted
		m.Default = false
		m.DeletedAt = &now
		m.UpdatedAt = now
		if err := tx.PaymentMethods().Update(ctx, m); err != nil {
			return domain.WrapInternal(err, op)
		}
		if wasDefault {
			if err := s.syncCustomerDefault(ctx, tx, tenant, m.CustomerID, ""); err != nil {
				return err
			}
		}
		processorMethodID = m.ProcessorMethodID
		return nil
	})
	if err != nil {
		return err
	}

	if processorMethodID != "" {
		client, cerr := s.deps.client(tenant)
		if cerr == nil {
			cctx, cancel := callCtx(ctx)
			if derr := client.DetachPaymentMethod(cctx, processorMethodID); derr != nil {
				s.deps.Logger.Warn("processor detach failed; reconciliation will flag it",
					zap.String("tenant", tenant),
					zap.String("payment_method_id", methodID),
					zap.String("processor_method_id", processorMethodID),
					zap.Error(derr))
			}
			cancel()
		}
	}
	return nil
}

// List returns the customer's methods, soft-deleted ones excluded.
func (s *PaymentMethodService) List(ctx context.Context, tenant, customerID string) ([]domain.PaymentMethod, error) {
	out, err := s.deps.Store.PaymentMethods().ListByCustomer(ctx, tenant, customerID)
	if err != nil {
		return nil, domain.WrapInternal(err, "payment_method.list")
	}
	return out, nil
}

// discardPending soft-deletes a pending row after a failed processor attach.
func (s *PaymentMethodService) discardPending(ctx context.Context, tenant string, method *domain.PaymentMethod) {
	now := s.deps.Now()
	method.Status = domain.PaymentMethodDeleted
	method.DeletedAt = &now
	method.UpdatedAt = now
	if err := s.deps.Store.PaymentMethods().Update(ctx, method); err != nil {
		s.deps.Logger.Error("failed to discard pending payment method",
			zap.String("tenant", tenant),
			zap.String("payment_method_id", method.ID),
			zap.Error(err))
	}
}

// syncCustomerDefault keeps the customer row's fast-path default reference
// aligned with the method flags, inside the caller's transaction.
func (s *PaymentMethodService) syncCustomerDefault(ctx context.Context, tx storage.Tx, tenant, customerID, methodID string) error {
	const op = "payment_method.sync_default"
	customer, err := tx.Customers().Get(ctx, tenant, customerID)
	if err != nil {
		return notFoundOrInternal(err, op, "customer", customerID)
	}
	customer.DefaultPaymentMethodID = methodID
	customer.UpdatedAt = s.deps.Now()
	if err := tx.Customers().Update(ctx, customer); err != nil {
		return domain.WrapInternal(err, op)
	}
	return nil
}
