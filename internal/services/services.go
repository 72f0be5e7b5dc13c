// Package services implements the command side of the receivables engine:
// validated transactional writes, ledger postings, and outbound processor
// calls. Every operation is tenant-scoped and funnels balance changes
// through the ledger poster. Processor calls never run inside a database
// transaction: pending rows are committed first, and the outcome is written
// in a second transaction.
package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/entitlements"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/storage"
)

// Deps bundles what every command service needs. Entitlements is optional;
// when set, subscription plans are checked against the tenant's catalog.
type Deps struct {
	Store        storage.Store
	Poster       *ledger.Poster
	GL           *glpost.Builder
	Processors   processor.Factory
	Publisher    events.Publisher
	Entitlements *entitlements.Resolver
	Logger       *zap.Logger
	Now          func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Services is the full command surface.
type Services struct {
	Customers      *CustomerService
	PaymentMethods *PaymentMethodService
	Invoices       *InvoiceService
	Applications   *ApplicationService
	Charges        *ChargeService
	Refunds        *RefundService
	Subscriptions  *SubscriptionService
}

// New wires all command services over shared dependencies.
func New(deps Deps) *Services {
	deps = deps.withDefaults()
	applications := &ApplicationService{deps: deps}
	return &Services{
		Customers:      &CustomerService{deps: deps},
		PaymentMethods: &PaymentMethodService{deps: deps},
		Invoices:       &InvoiceService{deps: deps},
		Applications:   applications,
		Charges:        &ChargeService{deps: deps, applications: applications},
		Refunds:        &RefundService{deps: deps},
		Subscriptions:  &SubscriptionService{deps: deps},
	}
}

// client resolves the tenant's processor adapter with a bounded deadline
// attached to the call context.
func (d Deps) client(tenant string) (processor.Client, error) {
	c, err := d.Processors.ForTenant(tenant)
	if err != nil {
		return nil, domain.NewUnauthorizedError("processor.resolve", "unknown tenant")
	}
	return c, nil
}

// callCtx bounds an outbound processor call.
func callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, processor.DefaultCallTimeout)
}

// processorFailure translates an adapter error into the domain taxonomy,
// preserving the processor code for the client and the retry engines.
func processorFailure(op string, err error) error {
	if processor.IsRetriable(err) {
		return domain.NewRetriableError(op, "payment processor temporarily unavailable", err)
	}
	return domain.NewProcessorError(op, processor.ErrorCode(err), "payment processor rejected the request", err)
}

// publish sends a domain event outside any transaction; failures are logged
// and swallowed so event transport never breaks a committed command.
func (d Deps) publish(ctx context.Context, tenant, subject string, payload interface{}) {
	if d.Publisher == nil {
		return
	}
	env, err := events.NewEnvelope(tenant, payload)
	if err != nil {
		d.Logger.Error("event payload marshal failed",
			zap.String("tenant", tenant),
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	if err := d.Publisher.Publish(ctx, subject, env); err != nil {
		d.Logger.Warn("event publish failed",
			zap.String("tenant", tenant),
			zap.String("subject", subject),
			zap.String("event_id", env.EventID),
			zap.Error(err))
	}
}

func notFoundOrInternal(err error, op, entity, id string) error {
	if storage.IsNotFound(err) {
		return domain.NewNotFoundError(op, entity, id)
	}
	return domain.WrapInternal(err, op)
}
