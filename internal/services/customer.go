package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/storage"
)

// CustomerService manages billing identities. Customers are local-first: the
// processor-side record is created lazily when the first payment method is
// attached, so customer creation never depends on processor availability.
type CustomerService struct {
	deps Deps
}

// CreateCustomerInput is the create command.
type CreateCustomerInput struct {
	ExternalID string            `json:"external_id"`
	Email      string            `json:"email"`
	Name       string            `json:"name"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Create inserts a customer. A duplicate external id within the tenant is a
// conflict.
func (s *CustomerService) Create(ctx context.Context, tenant string, in CreateCustomerInput) (*domain.Customer, error) {
	const op = "customer.create"

	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if in.ExternalID == "" {
		return nil, domain.NewValidationError(op, "external_id is required")
	}
	currency, err := domain.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}

	now := s.deps.Now()
	customer := &domain.Customer{
		ID:          domain.NewID(domain.PrefixCustomer),
		TenantID:    tenant,
		ExternalID:  in.ExternalID,
		Email:       strings.TrimSpace(in.Email),
		Name:        strings.TrimSpace(in.Name),
		Currency:    currency,
		Delinquency: domain.DelinquencyNone,
		Metadata:    in.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.Customers().Insert(ctx, customer); err != nil {
		if storage.IsDuplicate(err) {
			return nil, domain.NewConflictError(op,
				fmt.Sprintf("customer with external_id %q already exists", in.ExternalID))
		}
		return nil, domain.WrapInternal(err, op)
	}
	return customer, nil
}

// Get fetches a customer by local id.
func (s *CustomerService) Get(ctx context.Context, tenant, id string) (*domain.Customer, error) {
	const op = "customer.get"
	customer, err := s.deps.Store.Customers().Get(ctx, tenant, id)
	if err != nil {
		return nil, notFoundOrInternal(err, op, "customer", id)
	}
	return customer, nil
}

// UpdateCustomerInput carries the mutable profile fields. Nil pointers leave
// the field untouched.
type UpdateCustomerInput struct {
	Email    *string           `json:"email,omitempty"`
	Name     *string           `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Update mutates profile fields under the customer lock. Balance, aging and
// delinquency are owned by the ledger and the retry engines and cannot be
// set here.
func (s *CustomerService) Update(ctx context.Context, tenant, id string, in UpdateCustomerInput) (*domain.Customer, error) {
	const op = "customer.update"
	var updated *domain.Customer
	err := storage.WithinTx(ctx, s.deps.Store, func(tx storage.Tx) error {
		customer, err := tx.Customers().GetForUpdate(ctx, tenant, id)
		if err != nil {
			return notFoundOrInternal(err, op, "customer", id)
		}
		if in.Email != nil {
			customer.Email = strings.TrimSpace(*in.Email)
		}
		if in.Name != nil {
			customer.Name = strings.TrimSpace(*in.Name)
		}
		if in.Metadata != nil {
			customer.Metadata = in.Metadata
		}
		customer.UpdatedAt = s.deps.Now()
		if err := tx.Customers().Update(ctx, customer); err != nil {
			return domain.WrapInternal(err, op)
		}
		updated = customer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List pages through the tenant's customers.
func (s *CustomerService) List(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Customer, error) {
	out, err := s.deps.Store.Customers().List(ctx, tenant, opts)
	if err != nil {
		return nil, domain.WrapInternal(err, "customer.list")
	}
	return out, nil
}

// SoftDelete retires a customer. Financial history is retained; the row is
// only marked deleted.
func (s *CustomerService) SoftDelete(ctx context.Context, tenant, id string) error {
	const op = "customer.delete"
	if err := s.deps.Store.Customers().SoftDelete(ctx, tenant, id, s.deps.Now()); err != nil {
		return notFoundOrInternal(err, op, "customer", id)
	}
	return nil
}

// ensureProcessorCustomer registers the customer with the processor if not
// yet done and persists the processor id. Runs outside any transaction.
func ensureProcessorCustomer(ctx context.Context, deps Deps, client processor.Client, tenant string, customer *domain.Customer) error {
	const op = "customer.ensure_processor"
	if customer.ProcessorCustomerID != "" {
		return nil
	}
	cctx, cancel := callCtx(ctx)
	defer cancel()
	res, err := client.CreateCustomer(cctx, processor.CreateCustomerRequest{
		ExternalID: customer.ExternalID,
		Email:      customer.Email,
		Name:       customer.Name,
	})
	if err != nil {
		return processorFailure(op, err)
	}
	return storage.WithinTx(ctx, deps.Store, func(tx storage.Tx) error {
		fresh, err := tx.Customers().GetForUpdate(ctx, tenant, customer.ID)
		if err != nil {
			return notFoundOrInternal(err, op, "customer", customer.ID)
		}
		if fresh.ProcessorCustomerID == "" {
			fresh.ProcessorCustomerID = res.ProcessorCustomerID
			fresh.UpdatedAt = deps.Now()
			if err := tx.Customers().Update(ctx, fresh); err != nil {
				return domain.WrapInternal(err, op)
			}
		}
		customer.ProcessorCustomerID = fresh.ProcessorCustomerID
		return nil
	})
}
