// Package storage defines the persistence contracts for the receivables
// engine. Every repository method is tenant-scoped: implementations must
// refuse empty tenants and must never return rows belonging to another
// tenant, so a cross-tenant lookup is indistinguishable from a missing row.
package storage

import (
	"context"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
)

// ListOptions carries pagination for list queries. Implementations cap Limit
// at a sane maximum and default it when zero.
type ListOptions struct {
	Limit  int
	Offset int
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	CustomerID string
	Statuses   []domain.InvoiceStatus
	DueBefore  *time.Time
}

// CustomerRepository persists customers and their denormalized receivable
// position.
type CustomerRepository interface {
	Insert(ctx context.Context, c *domain.Customer) error
	Get(ctx context.Context, tenant, id string) (*domain.Customer, error)
	GetByExternalID(ctx context.Context, tenant, externalID string) (*domain.Customer, error)
	// GetForUpdate locks the customer row for the remainder of the enclosing
	// transaction. It is the aggregate lock for all balance mutations.
	GetForUpdate(ctx context.Context, tenant, id string) (*domain.Customer, error)
	Update(ctx context.Context, c *domain.Customer) error
	List(ctx context.Context, tenant string, opts ListOptions) ([]domain.Customer, error)
	ListIDs(ctx context.Context, tenant string) ([]string, error)
	SoftDelete(ctx context.Context, tenant, id string, at time.Time) error
	UpdateAging(ctx context.Context, tenant, id string, buckets domain.AgingBuckets) error
}

// PaymentMethodRepository persists vaulted payment method references.
type PaymentMethodRepository interface {
	Insert(ctx context.Context, m *domain.PaymentMethod) error
	Get(ctx context.Context, tenant, id string) (*domain.PaymentMethod, error)
	Update(ctx context.Context, m *domain.PaymentMethod) error
	ListByCustomer(ctx context.Context, tenant, customerID string) ([]domain.PaymentMethod, error)
	GetDefault(ctx context.Context, tenant, customerID string) (*domain.PaymentMethod, error)
	// ClearDefault unsets the default flag on all of a customer's methods;
	// callers run it in the same transaction that sets the new default.
	ClearDefault(ctx context.Context, tenant, customerID string) error
}

// InvoiceRepository persists invoices with their frozen line items.
type InvoiceRepository interface {
	Insert(ctx context.Context, inv *domain.Invoice) error
	Get(ctx context.Context, tenant, id string) (*domain.Invoice, error)
	GetForUpdate(ctx context.Context, tenant, id string) (*domain.Invoice, error)
	Update(ctx context.Context, inv *domain.Invoice) error
	List(ctx context.Context, tenant string, filter InvoiceFilter, opts ListOptions) ([]domain.Invoice, error)
	// ListOpenByCustomer returns issued and partially paid invoices, used by
	// the aging recompute.
	ListOpenByCustomer(ctx context.Context, tenant, customerID string) ([]domain.Invoice, error)
	// ListCollectible returns open invoices whose next collection attempt is
	// due, across all customers of the tenant.
	ListCollectible(ctx context.Context, tenant string, now time.Time, limit int) ([]domain.Invoice, error)
}

// ChargeRepository persists payment attempts.
type ChargeRepository interface {
	Insert(ctx context.Context, c *domain.Charge) error
	Get(ctx context.Context, tenant, id string) (*domain.Charge, error)
	GetForUpdate(ctx context.Context, tenant, id string) (*domain.Charge, error)
	GetByReferenceID(ctx context.Context, tenant, referenceID string) (*domain.Charge, error)
	GetByProcessorID(ctx context.Context, tenant, processorChargeID string) (*domain.Charge, error)
	Update(ctx context.Context, c *domain.Charge) error
	List(ctx context.Context, tenant string, opts ListOptions) ([]domain.Charge, error)
	ListByCustomer(ctx context.Context, tenant, customerID string, opts ListOptions) ([]domain.Charge, error)
	// ListUnsettled returns pending charges older than the cutoff, for
	// reconciliation against processor state.
	ListUnsettled(ctx context.Context, tenant string, cutoff time.Time) ([]domain.Charge, error)
}

// RefundRepository persists refunds.
type RefundRepository interface {
	Insert(ctx context.Context, r *domain.Refund) error
	Get(ctx context.Context, tenant, id string) (*domain.Refund, error)
	GetByReferenceID(ctx context.Context, tenant, referenceID string) (*domain.Refund, error)
	GetByProcessorID(ctx context.Context, tenant, processorRefundID string) (*domain.Refund, error)
	Update(ctx context.Context, r *domain.Refund) error
	ListByCharge(ctx context.Context, tenant, chargeID string) ([]domain.Refund, error)
	// ListUnsettled returns pending refunds older than the cutoff, for
	// reconciliation against the processor.
	ListUnsettled(ctx context.Context, tenant string, cutoff time.Time) ([]domain.Refund, error)
}

// DisputeRepository persists processor dispute mirrors.
type DisputeRepository interface {
	Insert(ctx context.Context, d *domain.Dispute) error
	Get(ctx context.Context, tenant, id string) (*domain.Dispute, error)
	GetByProcessorID(ctx context.Context, tenant, processorDisputeID string) (*domain.Dispute, error)
	Update(ctx context.Context, d *domain.Dispute) error
	List(ctx context.Context, tenant string, opts ListOptions) ([]domain.Dispute, error)
}

// SubscriptionRepository persists subscription mirrors.
type SubscriptionRepository interface {
	Insert(ctx context.Context, s *domain.Subscription) error
	Get(ctx context.Context, tenant, id string) (*domain.Subscription, error)
	GetByProcessorID(ctx context.Context, tenant, processorSubscriptionID string) (*domain.Subscription, error)
	Update(ctx context.Context, s *domain.Subscription) error
	ListByCustomer(ctx context.Context, tenant, customerID string) ([]domain.Subscription, error)
	ListActive(ctx context.Context, tenant string) ([]domain.Subscription, error)
}

// LedgerEventRepository persists the append-only receivable history.
// Insert returns ErrDuplicate when the (tenant, source_event_id) pair
// already exists; callers treat that as idempotent success.
type LedgerEventRepository interface {
	Insert(ctx context.Context, e *domain.LedgerEvent) error
	GetBySourceEventID(ctx context.Context, tenant, sourceEventID string) (*domain.LedgerEvent, error)
	ListByCustomer(ctx context.Context, tenant, customerID string, opts ListOptions) ([]domain.LedgerEvent, error)
	ListByInvoice(ctx context.Context, tenant, invoiceID string) ([]domain.LedgerEvent, error)
}

// PaymentApplicationRepository persists payment-to-invoice allocations.
// Insert returns ErrDuplicate on (tenant, source_event_id) replays.
type PaymentApplicationRepository interface {
	Insert(ctx context.Context, a *domain.PaymentApplication) error
	GetBySourceEventID(ctx context.Context, tenant, sourceEventID string) (*domain.PaymentApplication, error)
	ListByInvoice(ctx context.Context, tenant, invoiceID string) ([]domain.PaymentApplication, error)
}

// WebhookEventRepository persists received processor webhooks. Insert
// returns ErrDuplicate on (tenant, event_id) replays.
type WebhookEventRepository interface {
	Insert(ctx context.Context, w *domain.WebhookEvent) error
	Get(ctx context.Context, tenant, id string) (*domain.WebhookEvent, error)
	GetByEventID(ctx context.Context, tenant, eventID string) (*domain.WebhookEvent, error)
	Update(ctx context.Context, w *domain.WebhookEvent) error
	// ListDue returns failed, not dead-lettered events whose next attempt is
	// due, oldest first, across tenants.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)
	ListDead(ctx context.Context, tenant string, opts ListOptions) ([]domain.WebhookEvent, error)
}

// IdempotencyRepository persists HTTP idempotency records. Insert returns
// ErrDuplicate when the (tenant, key) pair exists.
type IdempotencyRepository interface {
	Insert(ctx context.Context, r *domain.IdempotencyRecord) error
	Get(ctx context.Context, tenant, key string) (*domain.IdempotencyRecord, error)
	// Complete stores the response and clears the in-progress flag.
	Complete(ctx context.Context, tenant, key string, status int, body []byte) error
	Delete(ctx context.Context, tenant, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// GLPostingRepository persists the outbox of journal intents. Insert returns
// ErrDuplicate on (tenant, posting_event_id) replays.
type GLPostingRepository interface {
	Insert(ctx context.Context, p *domain.GLPosting) error
	Get(ctx context.Context, tenant, id string) (*domain.GLPosting, error)
	GetByPostingEventID(ctx context.Context, tenant, postingEventID string) (*domain.GLPosting, error)
	Update(ctx context.Context, p *domain.GLPosting) error
	// ListDue returns pending postings ready to publish, oldest first,
	// across tenants.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.GLPosting, error)
	ListRejected(ctx context.Context, tenant string, opts ListOptions) ([]domain.GLPosting, error)
}

// DivergenceRepository persists reconciliation runs and findings.
type DivergenceRepository interface {
	InsertRun(ctx context.Context, run *domain.ReconciliationRun) error
	UpdateRun(ctx context.Context, run *domain.ReconciliationRun) error
	Insert(ctx context.Context, d *domain.Divergence) error
	ListUnresolved(ctx context.Context, tenant string, opts ListOptions) ([]domain.Divergence, error)
	Resolve(ctx context.Context, tenant, id, resolvedBy string, at time.Time) error
}

// AgingSummaryRow aggregates one tenant's receivables by age bucket.
type AgingSummaryRow struct {
	Currency      domain.Currency `json:"currency"`
	Customers     int64           `json:"customers"`
	TotalCents    int64           `json:"total_cents"`
	CurrentCents  int64           `json:"current_cents"`
	Days1To30     int64           `json:"days_1_30_cents"`
	Days31To60    int64           `json:"days_31_60_cents"`
	Days61To90    int64           `json:"days_61_90_cents"`
	Over90        int64           `json:"days_over_90_cents"`
}

// OpenInvoiceRow is one line of the open invoices report.
type OpenInvoiceRow struct {
	InvoiceID        string               `json:"invoice_id"`
	CustomerID       string               `json:"customer_id"`
	CustomerName     string               `json:"customer_name"`
	Status           domain.InvoiceStatus `json:"status"`
	Currency         domain.Currency      `json:"currency"`
	TotalCents       int64                `json:"total_cents"`
	OutstandingCents int64                `json:"outstanding_cents"`
	DueAt            time.Time            `json:"due_at"`
	DaysPastDue      int                  `json:"days_past_due"`
}

// DelinquentCustomerRow is one line of the delinquent customers report.
type DelinquentCustomerRow struct {
	CustomerID         string                  `json:"customer_id"`
	Name               string                  `json:"name"`
	Email              string                  `json:"email"`
	Delinquency        domain.DelinquencyState `json:"delinquency"`
	GracePeriodEnd     *time.Time              `json:"grace_period_end,omitempty"`
	BalanceCents       int64                   `json:"balance_cents"`
	Currency           domain.Currency         `json:"currency"`
	FailedPaymentCount int                     `json:"failed_payment_count"`
}

// ReportsRepository serves the read-side queries.
type ReportsRepository interface {
	AgingSummary(ctx context.Context, tenant string) ([]AgingSummaryRow, error)
	OpenInvoices(ctx context.Context, tenant string, opts ListOptions) ([]OpenInvoiceRow, error)
	DelinquentCustomers(ctx context.Context, tenant string) ([]DelinquentCustomerRow, error)
}

// Repositories is the set of repository accessors shared by Store and Tx.
type Repositories interface {
	Customers() CustomerRepository
	PaymentMethods() PaymentMethodRepository
	Invoices() InvoiceRepository
	Charges() ChargeRepository
	Refunds() RefundRepository
	Disputes() DisputeRepository
	Subscriptions() SubscriptionRepository
	LedgerEvents() LedgerEventRepository
	PaymentApplications() PaymentApplicationRepository
	WebhookEvents() WebhookEventRepository
	Idempotency() IdempotencyRepository
	GLPostings() GLPostingRepository
	Divergences() DivergenceRepository
	Reports() ReportsRepository
}

// Tx is a transaction-scoped view of the repositories.
type Tx interface {
	Repositories
	Commit() error
	Rollback() error
}

// Store is the root persistence handle.
type Store interface {
	Repositories
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Begin(ctx context.Context) (Tx, error)
}

// WithinTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func WithinTx(ctx context.Context, s Store, fn func(tx Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return NewTransactionError("within_tx", "transaction commit failed", err)
	}
	return nil
}
