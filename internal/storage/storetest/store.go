// Package storetest provides an in-memory storage.Store for tests. It mirrors
// the PostgreSQL implementation's observable behavior: unique constraints
// surface as storage.ErrDuplicate matches, missing rows as storage.ErrNotFound,
// and transactions apply atomically on Commit and vanish on Rollback.
package storetest

import (
	"context"
	"sync"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type dataset struct {
	customers      map[string]domain.Customer
	paymentMethods map[string]domain.PaymentMethod
	invoices       map[string]domain.Invoice
	charges        map[string]domain.Charge
	refunds        map[string]domain.Refund
	disputes       map[string]domain.Dispute
	subscriptions  map[string]domain.Subscription
	ledgerEvents   map[string]domain.LedgerEvent
	applications   map[string]domain.PaymentApplication
	webhookEvents  map[string]domain.WebhookEvent
	idempotency    map[string]domain.IdempotencyRecord
	glPostings     map[string]domain.GLPosting
	runs           map[string]domain.ReconciliationRun
	divergences    map[string]domain.Divergence
}

func newDataset() *dataset {
	return &dataset{
		customers:      make(map[string]domain.Customer),
		paymentMethods: make(map[string]domain.PaymentMethod),
		invoices:       make(map[string]domain.Invoice),
		charges:        make(map[string]domain.Charge),
		refunds:        make(map[string]domain.Refund),
		disputes:       make(map[string]domain.Dispute),
		subscriptions:  make(map[string]domain.Subscription),
		ledgerEvents:   make(map[string]domain.LedgerEvent),
		applications:   make(map[string]domain.PaymentApplication),
		webhookEvents:  make(map[string]domain.WebhookEvent),
		idempotency:    make(map[string]domain.IdempotencyRecord),
		glPostings:     make(map[string]domain.GLPosting),
		runs:           make(map[string]domain.ReconciliationRun),
		divergences:    make(map[string]domain.Divergence),
	}
}

func cloneMap[V any](src map[string]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (d *dataset) clone() *dataset {
	return &dataset{
		customers:      cloneMap(d.customers),
		paymentMethods: cloneMap(d.paymentMethods),
		invoices:       cloneMap(d.invoices),
		charges:        cloneMap(d.charges),
		refunds:        cloneMap(d.refunds),
		disputes:       cloneMap(d.disputes),
		subscriptions:  cloneMap(d.subscriptions),
		ledgerEvents:   cloneMap(d.ledgerEvents),
		applications:   cloneMap(d.applications),
		webhookEvents:  cloneMap(d.webhookEvents),
		idempotency:    cloneMap(d.idempotency),
		glPostings:     cloneMap(d.glPostings),
		runs:           cloneMap(d.runs),
		divergences:    cloneMap(d.divergences),
	}
}

// source is what the repositories operate on: the live store under its lock,
// or a transaction's private clone.
type source interface {
	sync.Locker
	ds() *dataset
}

// Store is the in-memory storage.Store.
type Store struct {
	mu   sync.Mutex
	data *dataset
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: newDataset()}
}

func (s *Store) Lock()        { s.mu.Lock() }
func (s *Store) Unlock()      { s.mu.Unlock() }
func (s *Store) ds() *dataset { return s.data }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(ctx context.Context) error { return nil }

// Begin snapshots the current data; Commit swaps the snapshot back in,
// Rollback discards it.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{store: s, data: s.data.clone()}, nil
}

func (s *Store) Customers() storage.CustomerRepository           { return &customerRepo{src: s} }
func (s *Store) PaymentMethods() storage.PaymentMethodRepository { return &paymentMethodRepo{src: s} }
func (s *Store) Invoices() storage.InvoiceRepository             { return &invoiceRepo{src: s} }
func (s *Store) Charges() storage.ChargeRepository               { return &chargeRepo{src: s} }
func (s *Store) Refunds() storage.RefundRepository               { return &refundRepo{src: s} }
func (s *Store) Disputes() storage.DisputeRepository             { return &disputeRepo{src: s} }
func (s *Store) Subscriptions() storage.SubscriptionRepository   { return &subscriptionRepo{src: s} }
func (s *Store) LedgerEvents() storage.LedgerEventRepository     { return &ledgerEventRepo{src: s} }
func (s *Store) PaymentApplications() storage.PaymentApplicationRepository {
	return &applicationRepo{src: s}
}
func (s *Store) WebhookEvents() storage.WebhookEventRepository   { return &webhookEventRepo{src: s} }
func (s *Store) Idempotency() storage.IdempotencyRepository      { return &idempotencyRepo{src: s} }
func (s *Store) GLPostings() storage.GLPostingRepository         { return &glPostingRepo{src: s} }
func (s *Store) Divergences() storage.DivergenceRepository       { return &divergenceRepo{src: s} }
func (s *Store) Reports() storage.ReportsRepository              { return &reportsRepo{src: s} }

type memTx struct {
	store *Store
	data  *dataset
	done  bool
}

func (t *memTx) Lock()        {}
func (t *memTx) Unlock()      {}
func (t *memTx) ds() *dataset { return t.data }

func (t *memTx) Commit() error {
	if t.done {
		return storage.ErrTxClosed
	}
	t.done = true
	t.store.mu.Lock()
	t.store.data = t.data
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}

func (t *memTx) Customers() storage.CustomerRepository           { return &customerRepo{src: t} }
func (t *memTx) PaymentMethods() storage.PaymentMethodRepository { return &paymentMethodRepo{src: t} }
func (t *memTx) Invoices() storage.InvoiceRepository             { return &invoiceRepo{src: t} }
func (t *memTx) Charges() storage.ChargeRepository               { return &chargeRepo{src: t} }
func (t *memTx) Refunds() storage.RefundRepository               { return &refundRepo{src: t} }
func (t *memTx) Disputes() storage.DisputeRepository             { return &disputeRepo{src: t} }
func (t *memTx) Subscriptions() storage.SubscriptionRepository   { return &subscriptionRepo{src: t} }
func (t *memTx) LedgerEvents() storage.LedgerEventRepository     { return &ledgerEventRepo{src: t} }
func (t *memTx) PaymentApplications() storage.PaymentApplicationRepository {
	return &applicationRepo{src: t}
}
func (t *memTx) WebhookEvents() storage.WebhookEventRepository   { return &webhookEventRepo{src: t} }
func (t *memTx) Idempotency() storage.IdempotencyRepository      { return &idempotencyRepo{src: t} }
func (t *memTx) GLPostings() storage.GLPostingRepository         { return &glPostingRepo{src: t} }
func (t *memTx) Divergences() storage.DivergenceRepository       { return &divergenceRepo{src: t} }
func (t *memTx) Reports() storage.ReportsRepository              { return &reportsRepo{src: t} }

func rkey(tenant, id string) string {
	return tenant + "/" + id
}

func requireTenant(op, tenant string) error {
	if tenant == "" {
		return storage.NewDataError(op, "tenant id is required", storage.ErrTenantRequired)
	}
	return nil
}

func clampList(opts storage.ListOptions) (int, int) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
