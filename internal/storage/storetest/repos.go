package storetest

import (
	"context"
	"sort"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type customerRepo struct{ src source }

func (r *customerRepo) Insert(ctx context.Context, c *domain.Customer) error {
	const op = "insert_customer"
	if err := requireTenant(op, c.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.customers[rkey(c.TenantID, c.ID)]; ok {
		return storage.NewDuplicateError(op, "customers_pkey", nil)
	}
	for _, existing := range d.customers {
		if existing.TenantID == c.TenantID && existing.ExternalID == c.ExternalID {
			return storage.NewDuplicateError(op, "customers_tenant_id_external_id_key", nil)
		}
	}
	d.customers[rkey(c.TenantID, c.ID)] = *c
	return nil
}

func (r *customerRepo) Get(ctx context.Context, tenant, id string) (*domain.Customer, error) {
	const op = "get_customer"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	c, ok := r.src.ds().customers[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &c, nil
}

func (r *customerRepo) GetByExternalID(ctx context.Context, tenant, externalID string) (*domain.Customer, error) {
	const op = "get_customer_by_external_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, c := range r.src.ds().customers {
		if c.TenantID == tenant && c.ExternalID == externalID {
			out := c
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *customerRepo) GetForUpdate(ctx context.Context, tenant, id string) (*domain.Customer, error) {
	return r.Get(ctx, tenant, id)
}

func (r *customerRepo) Update(ctx context.Context, c *domain.Customer) error {
	const op = "update_customer"
	if err := requireTenant(op, c.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.customers[rkey(c.TenantID, c.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	next := *c
	next.ExternalID = cur.ExternalID
	next.Currency = cur.Currency
	next.Aging = cur.Aging
	next.CreatedAt = cur.CreatedAt
	d.customers[rkey(c.TenantID, c.ID)] = next
	return nil
}

func (r *customerRepo) List(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Customer, error) {
	const op = "list_customers"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Customer
	for _, c := range r.src.ds().customers {
		if c.TenantID == tenant && c.DeletedAt == nil {
			out = append(out, c)
		}
	}
	sortByCreated(out, func(c domain.Customer) (time.Time, string) { return c.CreatedAt, c.ID })
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

func (r *customerRepo) ListIDs(ctx context.Context, tenant string) ([]string, error) {
	const op = "list_customer_ids"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []string
	for _, c := range r.src.ds().customers {
		if c.TenantID == tenant && c.DeletedAt == nil {
			out = append(out, c.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *customerRepo) SoftDelete(ctx context.Context, tenant, id string, at time.Time) error {
	const op = "soft_delete_customer"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	c, ok := d.customers[rkey(tenant, id)]
	if !ok || c.DeletedAt != nil {
		return storage.NewNotFoundError(op)
	}
	deleted := at
	c.DeletedAt = &deleted
	c.UpdatedAt = at
	d.customers[rkey(tenant, id)] = c
	return nil
}

func (r *customerRepo) UpdateAging(ctx context.Context, tenant, id string, b domain.AgingBuckets) error {
	const op = "update_customer_aging"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	c, ok := d.customers[rkey(tenant, id)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	c.Aging = b
	c.UpdatedAt = time.Now().UTC()
	d.customers[rkey(tenant, id)] = c
	return nil
}

type paymentMethodRepo struct{ src source }

func (r *paymentMethodRepo) Insert(ctx context.Context, m *domain.PaymentMethod) error {
	const op = "insert_payment_method"
	if err := requireTenant(op, m.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.paymentMethods[rkey(m.TenantID, m.ID)]; ok {
		return storage.NewDuplicateError(op, "payment_methods_pkey", nil)
	}
	if m.Default && m.DeletedAt == nil && d.hasOtherDefault(m.TenantID, m.CustomerID, m.ID) {
		return storage.NewDuplicateError(op, "idx_payment_methods_default", nil)
	}
	d.paymentMethods[rkey(m.TenantID, m.ID)] = *m
	return nil
}

func (r *paymentMethodRepo) Get(ctx context.Context, tenant, id string) (*domain.PaymentMethod, error) {
	const op = "get_payment_method"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	m, ok := r.src.ds().paymentMethods[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &m, nil
}

func (r *paymentMethodRepo) Update(ctx context.Context, m *domain.PaymentMethod) error {
	const op = "update_payment_method"
	if err := requireTenant(op, m.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.paymentMethods[rkey(m.TenantID, m.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	if m.Default && m.DeletedAt == nil && d.hasOtherDefault(m.TenantID, m.CustomerID, m.ID) {
		return storage.NewDuplicateError(op, "idx_payment_methods_default", nil)
	}
	next := *m
	next.CustomerID = cur.CustomerID
	next.CreatedAt = cur.CreatedAt
	d.paymentMethods[rkey(m.TenantID, m.ID)] = next
	return nil
}

func (r *paymentMethodRepo) ListByCustomer(ctx context.Context, tenant, customerID string) ([]domain.PaymentMethod, error) {
	const op = "list_payment_methods"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.PaymentMethod
	for _, m := range r.src.ds().paymentMethods {
		if m.TenantID == tenant && m.CustomerID == customerID && m.DeletedAt == nil {
			out = append(out, m)
		}
	}
	sortByCreated(out, func(m domain.PaymentMethod) (time.Time, string) { return m.CreatedAt, m.ID })
	return out, nil
}

func (r *paymentMethodRepo) GetDefault(ctx context.Context, tenant, customerID string) (*domain.PaymentMethod, error) {
	const op = "get_default_payment_method"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, m := range r.src.ds().paymentMethods {
		if m.TenantID == tenant && m.CustomerID == customerID && m.Default && m.DeletedAt == nil {
			out := m
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *paymentMethodRepo) ClearDefault(ctx context.Context, tenant, customerID string) error {
	const op = "clear_default_payment_method"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	for k, m := range d.paymentMethods {
		if m.TenantID == tenant && m.CustomerID == customerID && m.Default {
			m.Default = false
			m.UpdatedAt = time.Now().UTC()
			d.paymentMethods[k] = m
		}
	}
	return nil
}

func (d *dataset) hasOtherDefault(tenant, customerID, excludeID string) bool {
	for _, m := range d.paymentMethods {
		if m.TenantID == tenant && m.CustomerID == customerID && m.ID != excludeID &&
			m.Default && m.DeletedAt == nil {
			return true
		}
	}
	return false
}

type invoiceRepo struct{ src source }

func (r *invoiceRepo) Insert(ctx context.Context, inv *domain.Invoice) error {
	const op = "insert_invoice"
	if err := requireTenant(op, inv.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.invoices[rkey(inv.TenantID, inv.ID)]; ok {
		return storage.NewDuplicateError(op, "invoices_pkey", nil)
	}
	d.invoices[rkey(inv.TenantID, inv.ID)] = *inv
	return nil
}

func (r *invoiceRepo) Get(ctx context.Context, tenant, id string) (*domain.Invoice, error) {
	const op = "get_invoice"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	inv, ok := r.src.ds().invoices[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &inv, nil
}

func (r *invoiceRepo) GetForUpdate(ctx context.Context, tenant, id string) (*domain.Invoice, error) {
	return r.Get(ctx, tenant, id)
}

func (r *invoiceRepo) Update(ctx context.Context, inv *domain.Invoice) error {
	const op = "update_invoice"
	if err := requireTenant(op, inv.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.invoices[rkey(inv.TenantID, inv.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	next := *inv
	next.CustomerID = cur.CustomerID
	next.Currency = cur.Currency
	next.CreatedAt = cur.CreatedAt
	d.invoices[rkey(inv.TenantID, inv.ID)] = next
	return nil
}

func (r *invoiceRepo) List(ctx context.Context, tenant string, filter storage.InvoiceFilter, opts storage.ListOptions) ([]domain.Invoice, error) {
	const op = "list_invoices"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Invoice
	for _, inv := range r.src.ds().invoices {
		if inv.TenantID != tenant {
			continue
		}
		if filter.CustomerID != "" && inv.CustomerID != filter.CustomerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, inv.Status) {
			continue
		}
		if filter.DueBefore != nil && !inv.DueAt.Before(*filter.DueBefore) {
			continue
		}
		out = append(out, inv)
	}
	sortByCreated(out, func(i domain.Invoice) (time.Time, string) { return i.CreatedAt, i.ID })
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

func (r *invoiceRepo) ListOpenByCustomer(ctx context.Context, tenant, customerID string) ([]domain.Invoice, error) {
	const op = "list_open_invoices"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Invoice
	for _, inv := range r.src.ds().invoices {
		if inv.TenantID == tenant && inv.CustomerID == customerID && inv.Status.Open() {
			out = append(out, inv)
		}
	}
	sortByCreated(out, func(i domain.Invoice) (time.Time, string) { return i.DueAt, i.ID })
	return out, nil
}

func (r *invoiceRepo) ListCollectible(ctx context.Context, tenant string, now time.Time, limit int) ([]domain.Invoice, error) {
	const op = "list_collectible_invoices"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Invoice
	for _, inv := range r.src.ds().invoices {
		if inv.TenantID != tenant || !inv.Status.Open() || inv.CollectionStopped != "" {
			continue
		}
		if inv.NextCollectionAt == nil || inv.NextCollectionAt.After(now) {
			continue
		}
		out = append(out, inv)
	}
	sortByCreated(out, func(i domain.Invoice) (time.Time, string) { return *i.NextCollectionAt, i.ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsStatus(set []domain.InvoiceStatus, s domain.InvoiceStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

type chargeRepo struct{ src source }

func (r *chargeRepo) Insert(ctx context.Context, c *domain.Charge) error {
	const op = "insert_charge"
	if err := requireTenant(op, c.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.charges[rkey(c.TenantID, c.ID)]; ok {
		return storage.NewDuplicateError(op, "charges_pkey", nil)
	}
	for _, existing := range d.charges {
		if existing.TenantID != c.TenantID {
			continue
		}
		if existing.ReferenceID == c.ReferenceID {
			return storage.NewDuplicateError(op, "charges_tenant_id_reference_id_key", nil)
		}
		if c.ProcessorChargeID != "" && existing.ProcessorChargeID == c.ProcessorChargeID {
			return storage.NewDuplicateError(op, "charges_tenant_id_processor_charge_id_key", nil)
		}
	}
	d.charges[rkey(c.TenantID, c.ID)] = *c
	return nil
}

func (r *chargeRepo) Get(ctx context.Context, tenant, id string) (*domain.Charge, error) {
	const op = "get_charge"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	c, ok := r.src.ds().charges[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &c, nil
}

func (r *chargeRepo) GetForUpdate(ctx context.Context, tenant, id string) (*domain.Charge, error) {
	return r.Get(ctx, tenant, id)
}

func (r *chargeRepo) GetByReferenceID(ctx context.Context, tenant, referenceID string) (*domain.Charge, error) {
	const op = "get_charge_by_reference"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, c := range r.src.ds().charges {
		if c.TenantID == tenant && c.ReferenceID == referenceID {
			out := c
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *chargeRepo) GetByProcessorID(ctx context.Context, tenant, processorChargeID string) (*domain.Charge, error) {
	const op = "get_charge_by_processor_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, c := range r.src.ds().charges {
		if c.TenantID == tenant && c.ProcessorChargeID != "" && c.ProcessorChargeID == processorChargeID {
			out := c
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *chargeRepo) Update(ctx context.Context, c *domain.Charge) error {
	const op = "update_charge"
	if err := requireTenant(op, c.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.charges[rkey(c.TenantID, c.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	if c.ProcessorChargeID != "" {
		for _, existing := range d.charges {
			if existing.TenantID == c.TenantID && existing.ID != c.ID &&
				existing.ProcessorChargeID == c.ProcessorChargeID {
				return storage.NewDuplicateError(op, "charges_tenant_id_processor_charge_id_key", nil)
			}
		}
	}
	next := *c
	next.CustomerID = cur.CustomerID
	next.ReferenceID = cur.ReferenceID
	next.Currency = cur.Currency
	next.CreatedAt = cur.CreatedAt
	d.charges[rkey(c.TenantID, c.ID)] = next
	return nil
}

func (r *chargeRepo) List(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Charge, error) {
	const op = "list_charges"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Charge
	for _, c := range r.src.ds().charges {
		if c.TenantID == tenant {
			out = append(out, c)
		}
	}
	sortByCreated(out, func(c domain.Charge) (time.Time, string) { return c.CreatedAt, c.ID })
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

func (r *chargeRepo) ListByCustomer(ctx context.Context, tenant, customerID string, opts storage.ListOptions) ([]domain.Charge, error) {
	const op = "list_charges_by_customer"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Charge
	for _, c := range r.src.ds().charges {
		if c.TenantID == tenant && c.CustomerID == customerID {
			out = append(out, c)
		}
	}
	sortByCreated(out, func(c domain.Charge) (time.Time, string) { return c.CreatedAt, c.ID })
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

func (r *chargeRepo) ListUnsettled(ctx context.Context, tenant string, cutoff time.Time) ([]domain.Charge, error) {
	const op = "list_unsettled_charges"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Charge
	for _, c := range r.src.ds().charges {
		if c.TenantID == tenant && c.Status == domain.ChargePending && c.CreatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sortByCreated(out, func(c domain.Charge) (time.Time, string) { return c.CreatedAt, c.ID })
	return out, nil
}

type refundRepo struct{ src source }

func (r *refundRepo) Insert(ctx context.Context, rf *domain.Refund) error {
	const op = "insert_refund"
	if err := requireTenant(op, rf.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.refunds[rkey(rf.TenantID, rf.ID)]; ok {
		return storage.NewDuplicateError(op, "refunds_pkey", nil)
	}
	for _, existing := range d.refunds {
		if existing.TenantID != rf.TenantID {
			continue
		}
		if existing.ReferenceID == rf.ReferenceID {
			return storage.NewDuplicateError(op, "refunds_tenant_id_reference_id_key", nil)
		}
		if rf.ProcessorRefundID != "" && existing.ProcessorRefundID == rf.ProcessorRefundID {
			return storage.NewDuplicateError(op, "refunds_tenant_id_processor_refund_id_key", nil)
		}
	}
	d.refunds[rkey(rf.TenantID, rf.ID)] = *rf
	return nil
}

func (r *refundRepo) Get(ctx context.Context, tenant, id string) (*domain.Refund, error) {
	const op = "get_refund"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	rf, ok := r.src.ds().refunds[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &rf, nil
}

func (r *refundRepo) GetByReferenceID(ctx context.Context, tenant, referenceID string) (*domain.Refund, error) {
	const op = "get_refund_by_reference"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, rf := range r.src.ds().refunds {
		if rf.TenantID == tenant && rf.ReferenceID == referenceID {
			out := rf
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *refundRepo) GetByProcessorID(ctx context.Context, tenant, processorRefundID string) (*domain.Refund, error) {
	const op = "get_refund_by_processor_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, rf := range r.src.ds().refunds {
		if rf.TenantID == tenant && rf.ProcessorRefundID != "" && rf.ProcessorRefundID == processorRefundID {
			out := rf
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *refundRepo) Update(ctx context.Context, rf *domain.Refund) error {
	const op = "update_refund"
	if err := requireTenant(op, rf.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.refunds[rkey(rf.TenantID, rf.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	if rf.ProcessorRefundID != "" {
		for _, existing := range d.refunds {
			if existing.TenantID == rf.TenantID && existing.ID != rf.ID &&
				existing.ProcessorRefundID == rf.ProcessorRefundID {
				return storage.NewDuplicateError(op, "refunds_tenant_id_processor_refund_id_key", nil)
			}
		}
	}
	next := *rf
	next.ChargeID = cur.ChargeID
	next.ReferenceID = cur.ReferenceID
	next.AmountCents = cur.AmountCents
	next.Currency = cur.Currency
	next.CreatedAt = cur.CreatedAt
	d.refunds[rkey(rf.TenantID, rf.ID)] = next
	return nil
}

func (r *refundRepo) ListByCharge(ctx context.Context, tenant, chargeID string) ([]domain.Refund, error) {
	const op = "list_refunds_by_charge"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Refund
	for _, rf := range r.src.ds().refunds {
		if rf.TenantID == tenant && rf.ChargeID == chargeID {
			out = append(out, rf)
		}
	}
	sortByCreated(out, func(rf domain.Refund) (time.Time, string) { return rf.CreatedAt, rf.ID })
	return out, nil
}

func (r *refundRepo) ListUnsettled(ctx context.Context, tenant string, cutoff time.Time) ([]domain.Refund, error) {
	const op = "list_unsettled_refunds"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Refund
	for _, rf := range r.src.ds().refunds {
		if rf.TenantID == tenant && rf.Status == domain.RefundPending && rf.CreatedAt.Before(cutoff) {
			out = append(out, rf)
		}
	}
	sortByCreated(out, func(rf domain.Refund) (time.Time, string) { return rf.CreatedAt, rf.ID })
	return out, nil
}

type disputeRepo struct{ src source }

func (r *disputeRepo) Insert(ctx context.Context, dp *domain.Dispute) error {
	const op = "insert_dispute"
	if err := requireTenant(op, dp.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.disputes[rkey(dp.TenantID, dp.ID)]; ok {
		return storage.NewDuplicateError(op, "disputes_pkey", nil)
	}
	for _, existing := range d.disputes {
		if existing.TenantID == dp.TenantID && existing.ProcessorDisputeID == dp.ProcessorDisputeID {
			return storage.NewDuplicateError(op, "disputes_tenant_id_processor_dispute_id_key", nil)
		}
	}
	d.disputes[rkey(dp.TenantID, dp.ID)] = *dp
	return nil
}

func (r *disputeRepo) Get(ctx context.Context, tenant, id string) (*domain.Dispute, error) {
	const op = "get_dispute"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	dp, ok := r.src.ds().disputes[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &dp, nil
}

func (r *disputeRepo) GetByProcessorID(ctx context.Context, tenant, processorDisputeID string) (*domain.Dispute, error) {
	const op = "get_dispute_by_processor_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, dp := range r.src.ds().disputes {
		if dp.TenantID == tenant && dp.ProcessorDisputeID == processorDisputeID {
			out := dp
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *disputeRepo) Update(ctx context.Context, dp *domain.Dispute) error {
	const op = "update_dispute"
	if err := requireTenant(op, dp.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.disputes[rkey(dp.TenantID, dp.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	next := *dp
	next.ChargeID = cur.ChargeID
	next.ProcessorDisputeID = cur.ProcessorDisputeID
	next.AmountCents = cur.AmountCents
	next.Currency = cur.Currency
	next.OpenedAt = cur.OpenedAt
	next.CreatedAt = cur.CreatedAt
	d.disputes[rkey(dp.TenantID, dp.ID)] = next
	return nil
}

func (r *disputeRepo) List(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Dispute, error) {
	const op = "list_disputes"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Dispute
	for _, dp := range r.src.ds().disputes {
		if dp.TenantID == tenant {
			out = append(out, dp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

type subscriptionRepo struct{ src source }

func (r *subscriptionRepo) Insert(ctx context.Context, sub *domain.Subscription) error {
	const op = "insert_subscription"
	if err := requireTenant(op, sub.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.subscriptions[rkey(sub.TenantID, sub.ID)]; ok {
		return storage.NewDuplicateError(op, "subscriptions_pkey", nil)
	}
	if sub.ProcessorSubscriptionID != "" {
		for _, existing := range d.subscriptions {
			if existing.TenantID == sub.TenantID &&
				existing.ProcessorSubscriptionID == sub.ProcessorSubscriptionID {
				return storage.NewDuplicateError(op, "subscriptions_tenant_id_processor_subscription_id_key", nil)
			}
		}
	}
	d.subscriptions[rkey(sub.TenantID, sub.ID)] = *sub
	return nil
}

func (r *subscriptionRepo) Get(ctx context.Context, tenant, id string) (*domain.Subscription, error) {
	const op = "get_subscription"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	sub, ok := r.src.ds().subscriptions[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &sub, nil
}

func (r *subscriptionRepo) GetByProcessorID(ctx context.Context, tenant, processorSubscriptionID string) (*domain.Subscription, error) {
	const op = "get_subscription_by_processor_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, sub := range r.src.ds().subscriptions {
		if sub.TenantID == tenant && sub.ProcessorSubscriptionID != "" &&
			sub.ProcessorSubscriptionID == processorSubscriptionID {
			out := sub
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *subscriptionRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	const op = "update_subscription"
	if err := requireTenant(op, sub.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.subscriptions[rkey(sub.TenantID, sub.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	next := *sub
	next.CustomerID = cur.CustomerID
	next.PlanCode = cur.PlanCode
	next.AmountCents = cur.AmountCents
	next.Currency = cur.Currency
	next.Interval = cur.Interval
	next.IntervalCount = cur.IntervalCount
	next.CreatedAt = cur.CreatedAt
	d.subscriptions[rkey(sub.TenantID, sub.ID)] = next
	return nil
}

func (r *subscriptionRepo) ListByCustomer(ctx context.Context, tenant, customerID string) ([]domain.Subscription, error) {
	const op = "list_subscriptions_by_customer"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Subscription
	for _, sub := range r.src.ds().subscriptions {
		if sub.TenantID == tenant && sub.CustomerID == customerID {
			out = append(out, sub)
		}
	}
	sortByCreated(out, func(s domain.Subscription) (time.Time, string) { return s.CreatedAt, s.ID })
	return out, nil
}

func (r *subscriptionRepo) ListActive(ctx context.Context, tenant string) ([]domain.Subscription, error) {
	const op = "list_active_subscriptions"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Subscription
	for _, sub := range r.src.ds().subscriptions {
		if sub.TenantID == tenant && sub.Active() {
			out = append(out, sub)
		}
	}
	sortByCreated(out, func(s domain.Subscription) (time.Time, string) { return s.CreatedAt, s.ID })
	return out, nil
}

type ledgerEventRepo struct{ src source }

func (r *ledgerEventRepo) Insert(ctx context.Context, e *domain.LedgerEvent) error {
	const op = "insert_ledger_event"
	if err := requireTenant(op, e.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.ledgerEvents[rkey(e.TenantID, e.ID)]; ok {
		return storage.NewDuplicateError(op, "ledger_events_pkey", nil)
	}
	for _, existing := range d.ledgerEvents {
		if existing.TenantID == e.TenantID && existing.SourceEventID == e.SourceEventID {
			return storage.NewDuplicateError(op, "ledger_events_tenant_id_source_event_id_key", nil)
		}
	}
	d.ledgerEvents[rkey(e.TenantID, e.ID)] = *e
	return nil
}

func (r *ledgerEventRepo) GetBySourceEventID(ctx context.Context, tenant, sourceEventID string) (*domain.LedgerEvent, error) {
	const op = "get_ledger_event_by_source"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, e := range r.src.ds().ledgerEvents {
		if e.TenantID == tenant && e.SourceEventID == sourceEventID {
			out := e
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *ledgerEventRepo) ListByCustomer(ctx context.Context, tenant, customerID string, opts storage.ListOptions) ([]domain.LedgerEvent, error) {
	const op = "list_ledger_events_by_customer"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.LedgerEvent
	for _, e := range r.src.ds().ledgerEvents {
		if e.TenantID == tenant && e.CustomerID == customerID {
			out = append(out, e)
		}
	}
	sortByCreated(out, func(e domain.LedgerEvent) (time.Time, string) { return e.CreatedAt, e.ID })
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

func (r *ledgerEventRepo) ListByInvoice(ctx context.Context, tenant, invoiceID string) ([]domain.LedgerEvent, error) {
	const op = "list_ledger_events_by_invoice"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.LedgerEvent
	for _, e := range r.src.ds().ledgerEvents {
		if e.TenantID == tenant && e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	sortByCreated(out, func(e domain.LedgerEvent) (time.Time, string) { return e.CreatedAt, e.ID })
	return out, nil
}

type applicationRepo struct{ src source }

func (r *applicationRepo) Insert(ctx context.Context, a *domain.PaymentApplication) error {
	const op = "insert_payment_application"
	if err := requireTenant(op, a.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.applications[rkey(a.TenantID, a.ID)]; ok {
		return storage.NewDuplicateError(op, "payment_applications_pkey", nil)
	}
	for _, existing := range d.applications {
		if existing.TenantID == a.TenantID && existing.SourceEventID == a.SourceEventID {
			return storage.NewDuplicateError(op, "payment_applications_tenant_id_source_event_id_key", nil)
		}
	}
	d.applications[rkey(a.TenantID, a.ID)] = *a
	return nil
}

func (r *applicationRepo) GetBySourceEventID(ctx context.Context, tenant, sourceEventID string) (*domain.PaymentApplication, error) {
	const op = "get_payment_application_by_source"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, a := range r.src.ds().applications {
		if a.TenantID == tenant && a.SourceEventID == sourceEventID {
			out := a
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *applicationRepo) ListByInvoice(ctx context.Context, tenant, invoiceID string) ([]domain.PaymentApplication, error) {
	const op = "list_payment_applications_by_invoice"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.PaymentApplication
	for _, a := range r.src.ds().applications {
		if a.TenantID == tenant && a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	sortByCreated(out, func(a domain.PaymentApplication) (time.Time, string) { return a.CreatedAt, a.ID })
	return out, nil
}

type webhookEventRepo struct{ src source }

func (r *webhookEventRepo) Insert(ctx context.Context, w *domain.WebhookEvent) error {
	const op = "insert_webhook_event"
	if err := requireTenant(op, w.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.webhookEvents[rkey(w.TenantID, w.ID)]; ok {
		return storage.NewDuplicateError(op, "webhook_events_pkey", nil)
	}
	for _, existing := range d.webhookEvents {
		if existing.TenantID == w.TenantID && existing.EventID == w.EventID {
			return storage.NewDuplicateError(op, "webhook_events_tenant_id_event_id_key", nil)
		}
	}
	d.webhookEvents[rkey(w.TenantID, w.ID)] = *w
	return nil
}

func (r *webhookEventRepo) Get(ctx context.Context, tenant, id string) (*domain.WebhookEvent, error) {
	const op = "get_webhook_event"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	w, ok := r.src.ds().webhookEvents[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &w, nil
}

func (r *webhookEventRepo) GetByEventID(ctx context.Context, tenant, eventID string) (*domain.WebhookEvent, error) {
	const op = "get_webhook_event_by_event_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, w := range r.src.ds().webhookEvents {
		if w.TenantID == tenant && w.EventID == eventID {
			out := w
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *webhookEventRepo) Update(ctx context.Context, w *domain.WebhookEvent) error {
	const op = "update_webhook_event"
	if err := requireTenant(op, w.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.webhookEvents[rkey(w.TenantID, w.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	next := *w
	next.EventID = cur.EventID
	next.Payload = cur.Payload
	next.ReceivedAt = cur.ReceivedAt
	d.webhookEvents[rkey(w.TenantID, w.ID)] = next
	return nil
}

func (r *webhookEventRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.WebhookEvent
	for _, w := range r.src.ds().webhookEvents {
		if w.Status != domain.WebhookFailed || w.DeadAt != nil {
			continue
		}
		if w.NextAttemptAt == nil || w.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, w)
	}
	sortByCreated(out, func(w domain.WebhookEvent) (time.Time, string) { return *w.NextAttemptAt, w.ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *webhookEventRepo) ListDead(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.WebhookEvent, error) {
	const op = "list_dead_webhook_events"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.WebhookEvent
	for _, w := range r.src.ds().webhookEvents {
		if w.TenantID == tenant && w.DeadAt != nil {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeadAt.Equal(*out[j].DeadAt) {
			return out[i].DeadAt.After(*out[j].DeadAt)
		}
		return out[i].ID < out[j].ID
	})
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

type idempotencyRepo struct{ src source }

func (r *idempotencyRepo) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	const op = "insert_idempotency_key"
	if err := requireTenant(op, rec.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.idempotency[rkey(rec.TenantID, rec.Key)]; ok {
		return storage.NewDuplicateError(op, "idempotency_keys_pkey", nil)
	}
	d.idempotency[rkey(rec.TenantID, rec.Key)] = *rec
	return nil
}

func (r *idempotencyRepo) Get(ctx context.Context, tenant, key string) (*domain.IdempotencyRecord, error) {
	const op = "get_idempotency_key"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	rec, ok := r.src.ds().idempotency[rkey(tenant, key)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &rec, nil
}

func (r *idempotencyRepo) Complete(ctx context.Context, tenant, key string, status int, body []byte) error {
	const op = "complete_idempotency_key"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	rec, ok := d.idempotency[rkey(tenant, key)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	rec.InProgress = false
	rec.ResponseStatus = status
	rec.ResponseBody = body
	d.idempotency[rkey(tenant, key)] = rec
	return nil
}

func (r *idempotencyRepo) Delete(ctx context.Context, tenant, key string) error {
	const op = "delete_idempotency_key"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	delete(r.src.ds().idempotency, rkey(tenant, key))
	return nil
}

func (r *idempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	var n int64
	for k, rec := range d.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(d.idempotency, k)
			n++
		}
	}
	return n, nil
}

type glPostingRepo struct{ src source }

func (r *glPostingRepo) Insert(ctx context.Context, p *domain.GLPosting) error {
	const op = "insert_gl_posting"
	if err := requireTenant(op, p.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.glPostings[rkey(p.TenantID, p.ID)]; ok {
		return storage.NewDuplicateError(op, "gl_postings_pkey", nil)
	}
	for _, existing := range d.glPostings {
		if existing.TenantID == p.TenantID && existing.PostingEventID == p.PostingEventID {
			return storage.NewDuplicateError(op, "gl_postings_tenant_id_posting_event_id_key", nil)
		}
	}
	d.glPostings[rkey(p.TenantID, p.ID)] = *p
	return nil
}

func (r *glPostingRepo) Get(ctx context.Context, tenant, id string) (*domain.GLPosting, error) {
	const op = "get_gl_posting"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	p, ok := r.src.ds().glPostings[rkey(tenant, id)]
	if !ok {
		return nil, storage.NewNotFoundError(op)
	}
	return &p, nil
}

func (r *glPostingRepo) GetByPostingEventID(ctx context.Context, tenant, postingEventID string) (*domain.GLPosting, error) {
	const op = "get_gl_posting_by_event_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	for _, p := range r.src.ds().glPostings {
		if p.TenantID == tenant && p.PostingEventID == postingEventID {
			out := p
			return &out, nil
		}
	}
	return nil, storage.NewNotFoundError(op)
}

func (r *glPostingRepo) Update(ctx context.Context, p *domain.GLPosting) error {
	const op = "update_gl_posting"
	if err := requireTenant(op, p.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.glPostings[rkey(p.TenantID, p.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	next := *p
	next.PostingEventID = cur.PostingEventID
	next.SourceType = cur.SourceType
	next.SourceID = cur.SourceID
	next.PostingDate = cur.PostingDate
	next.Currency = cur.Currency
	next.Lines = cur.Lines
	next.CreatedAt = cur.CreatedAt
	d.glPostings[rkey(p.TenantID, p.ID)] = next
	return nil
}

func (r *glPostingRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.GLPosting, error) {
	if limit <= 0 {
		limit = 50
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.GLPosting
	for _, p := range r.src.ds().glPostings {
		if p.Status != domain.GLPostingPending {
			continue
		}
		if p.NextAttemptAt != nil && p.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, p)
	}
	sortByCreated(out, func(p domain.GLPosting) (time.Time, string) { return p.CreatedAt, p.ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *glPostingRepo) ListRejected(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.GLPosting, error) {
	const op = "list_rejected_gl_postings"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.GLPosting
	for _, p := range r.src.ds().glPostings {
		if p.TenantID == tenant && p.Status == domain.GLPostingRejected {
			out = append(out, p)
		}
	}
	sortByCreated(out, func(p domain.GLPosting) (time.Time, string) { return p.CreatedAt, p.ID })
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

type divergenceRepo struct{ src source }

func (r *divergenceRepo) InsertRun(ctx context.Context, run *domain.ReconciliationRun) error {
	const op = "insert_reconciliation_run"
	if err := requireTenant(op, run.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.runs[rkey(run.TenantID, run.ID)]; ok {
		return storage.NewDuplicateError(op, "reconciliation_runs_pkey", nil)
	}
	d.runs[rkey(run.TenantID, run.ID)] = *run
	return nil
}

func (r *divergenceRepo) UpdateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	const op = "update_reconciliation_run"
	if err := requireTenant(op, run.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	cur, ok := d.runs[rkey(run.TenantID, run.ID)]
	if !ok {
		return storage.NewNotFoundError(op)
	}
	next := *run
	next.StartedAt = cur.StartedAt
	d.runs[rkey(run.TenantID, run.ID)] = next
	return nil
}

func (r *divergenceRepo) Insert(ctx context.Context, dv *domain.Divergence) error {
	const op = "insert_divergence"
	if err := requireTenant(op, dv.TenantID); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	if _, ok := d.divergences[rkey(dv.TenantID, dv.ID)]; ok {
		return storage.NewDuplicateError(op, "divergences_pkey", nil)
	}
	d.divergences[rkey(dv.TenantID, dv.ID)] = *dv
	return nil
}

func (r *divergenceRepo) ListUnresolved(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Divergence, error) {
	const op = "list_unresolved_divergences"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []domain.Divergence
	for _, dv := range r.src.ds().divergences {
		if dv.TenantID == tenant && dv.ResolvedAt == nil {
			out = append(out, dv)
		}
	}
	sortByCreated(out, func(dv domain.Divergence) (time.Time, string) { return dv.DetectedAt, dv.ID })
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

func (r *divergenceRepo) Resolve(ctx context.Context, tenant, id, resolvedBy string, at time.Time) error {
	const op = "resolve_divergence"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	dv, ok := d.divergences[rkey(tenant, id)]
	if !ok || dv.ResolvedAt != nil {
		return storage.NewNotFoundError(op)
	}
	resolved := at
	dv.ResolvedAt = &resolved
	dv.ResolvedBy = resolvedBy
	d.divergences[rkey(tenant, id)] = dv
	return nil
}

type reportsRepo struct{ src source }

func (r *reportsRepo) AgingSummary(ctx context.Context, tenant string) ([]storage.AgingSummaryRow, error) {
	const op = "report_aging_summary"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	byCurrency := make(map[domain.Currency]*storage.AgingSummaryRow)
	for _, c := range r.src.ds().customers {
		if c.TenantID != tenant || c.DeletedAt != nil || c.BalanceCents == 0 {
			continue
		}
		row, ok := byCurrency[c.Currency]
		if !ok {
			row = &storage.AgingSummaryRow{Currency: c.Currency}
			byCurrency[c.Currency] = row
		}
		row.Customers++
		row.TotalCents += c.BalanceCents
		row.CurrentCents += c.Aging.CurrentCents
		row.Days1To30 += c.Aging.Days1To30
		row.Days31To60 += c.Aging.Days31To60
		row.Days61To90 += c.Aging.Days61To90
		row.Over90 += c.Aging.Over90
	}

	var out []storage.AgingSummaryRow
	for _, row := range byCurrency {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (r *reportsRepo) OpenInvoices(ctx context.Context, tenant string, opts storage.ListOptions) ([]storage.OpenInvoiceRow, error) {
	const op = "report_open_invoices"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()
	d := r.src.ds()

	now := time.Now().UTC()
	var out []storage.OpenInvoiceRow
	for _, inv := range d.invoices {
		if inv.TenantID != tenant || !inv.Status.Open() {
			continue
		}
		row := storage.OpenInvoiceRow{
			InvoiceID:        inv.ID,
			CustomerID:       inv.CustomerID,
			Status:           inv.Status,
			Currency:         inv.Currency,
			TotalCents:       inv.TotalCents,
			OutstandingCents: inv.TotalCents - inv.PaidCents - inv.CreditedCents,
			DueAt:            inv.DueAt,
		}
		if c, ok := d.customers[rkey(tenant, inv.CustomerID)]; ok {
			row.CustomerName = c.Name
		}
		if now.After(inv.DueAt) {
			row.DaysPastDue = int(now.Sub(inv.DueAt).Hours() / 24)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].InvoiceID < out[j].InvoiceID
	})
	limit, offset := clampList(opts)
	return paginate(out, limit, offset), nil
}

func (r *reportsRepo) DelinquentCustomers(ctx context.Context, tenant string) ([]storage.DelinquentCustomerRow, error) {
	const op = "report_delinquent_customers"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	r.src.Lock()
	defer r.src.Unlock()

	var out []storage.DelinquentCustomerRow
	for _, c := range r.src.ds().customers {
		if c.TenantID != tenant || c.DeletedAt != nil || c.Delinquency == domain.DelinquencyNone {
			continue
		}
		out = append(out, storage.DelinquentCustomerRow{
			CustomerID:         c.ID,
			Name:               c.Name,
			Email:              c.Email,
			Delinquency:        c.Delinquency,
			GracePeriodEnd:     c.GracePeriodEnd,
			BalanceCents:       c.BalanceCents,
			Currency:           c.Currency,
			FailedPaymentCount: c.FailedPaymentCount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BalanceCents != out[j].BalanceCents {
			return out[i].BalanceCents > out[j].BalanceCents
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	return out, nil
}

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}
