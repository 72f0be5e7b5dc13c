package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type customerRepo struct {
	exec executor
}

const customerColumns = `tenant_id, id, external_id, email, name, currency,
	processor_customer_id, default_payment_method_id, balance_cents,
	aging_current_cents, aging_1_30_cents, aging_31_60_cents, aging_61_90_cents, aging_over_90_cents,
	delinquency, grace_period_end, failed_payment_count, metadata, created_at, updated_at, deleted_at`

func (r *customerRepo) Insert(ctx context.Context, c *domain.Customer) error {
	const op = "insert_customer"
	if err := requireTenant(op, c.TenantID); err != nil {
		return err
	}
	meta, err := marshalJSON(op, c.Metadata)
	if err != nil {
		return err
	}

	_, err = r.exec.ExecContext(ctx, `INSERT INTO customers (
		tenant_id, id, external_id, email, name, currency,
		processor_customer_id, default_payment_method_id, balance_cents,
		aging_current_cents, aging_1_30_cents, aging_31_60_cents, aging_61_90_cents, aging_over_90_cents,
		delinquency, grace_period_end, failed_payment_count, metadata, created_at, updated_at, deleted_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		c.TenantID, c.ID, c.ExternalID, c.Email, c.Name, string(c.Currency),
		nullString(c.ProcessorCustomerID), nullString(c.DefaultPaymentMethodID), c.BalanceCents,
		c.Aging.CurrentCents, c.Aging.Days1To30, c.Aging.Days31To60, c.Aging.Days61To90, c.Aging.Over90,
		string(c.Delinquency), nullTime(c.GracePeriodEnd), c.FailedPaymentCount, meta,
		c.CreatedAt, c.UpdatedAt, nullTime(c.DeletedAt))
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *customerRepo) Get(ctx context.Context, tenant, id string) (*domain.Customer, error) {
	const op = "get_customer"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanCustomer(op, row)
}

func (r *customerRepo) GetByExternalID(ctx context.Context, tenant, externalID string) (*domain.Customer, error) {
	const op = "get_customer_by_external_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND external_id = $2`, tenant, externalID)
	return scanCustomer(op, row)
}

func (r *customerRepo) GetForUpdate(ctx context.Context, tenant, id string) (*domain.Customer, error) {
	const op = "get_customer_for_update"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenant, id)
	return scanCustomer(op, row)
}

func (r *customerRepo) Update(ctx context.Context, c *domain.Customer) error {
	const op = "update_customer"
	if err := requireTenant(op, c.TenantID); err != nil {
		return err
	}
	meta, err := marshalJSON(op, c.Metadata)
	if err != nil {
		return err
	}

	res, err := r.exec.ExecContext(ctx, `UPDATE customers SET
		email = $3, name = $4,
		processor_customer_id = $5, default_payment_method_id = $6, balance_cents = $7,
		delinquency = $8, grace_period_end = $9, failed_payment_count = $10,
		metadata = $11, updated_at = $12, deleted_at = $13
		WHERE tenant_id = $1 AND id = $2`,
		c.TenantID, c.ID, c.Email, c.Name,
		nullString(c.ProcessorCustomerID), nullString(c.DefaultPaymentMethodID), c.BalanceCents,
		string(c.Delinquency), nullTime(c.GracePeriodEnd), c.FailedPaymentCount,
		meta, c.UpdatedAt, nullTime(c.DeletedAt))
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *customerRepo) List(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Customer, error) {
	const op = "list_customers"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)

	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+customerColumns+` FROM customers
		 WHERE tenant_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at, id LIMIT $2 OFFSET $3`, tenant, limit, offset)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.Customer
	for rows.Next() {
		c, err := scanCustomer(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (r *customerRepo) ListIDs(ctx context.Context, tenant string) ([]string, error) {
	const op = "list_customer_ids"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id FROM customers WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY id`, tenant)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return ids, nil
}

func (r *customerRepo) SoftDelete(ctx context.Context, tenant, id string, at time.Time) error {
	const op = "soft_delete_customer"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	res, err := r.exec.ExecContext(ctx,
		`UPDATE customers SET deleted_at = $3, updated_at = $3
		 WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenant, id, at)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *customerRepo) UpdateAging(ctx context.Context, tenant, id string, b domain.AgingBuckets) error {
	const op = "update_customer_aging"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	res, err := r.exec.ExecContext(ctx, `UPDATE customers SET
		aging_current_cents = $3, aging_1_30_cents = $4, aging_31_60_cents = $5,
		aging_61_90_cents = $6, aging_over_90_cents = $7, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		tenant, id, b.CurrentCents, b.Days1To30, b.Days31To60, b.Days61To90, b.Over90)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCustomer(op string, s scanner) (*domain.Customer, error) {
	var (
		c           domain.Customer
		currency    string
		delinquency string
		procID      sql.NullString
		defaultPM   sql.NullString
		graceEnd    sql.NullTime
		deletedAt   sql.NullTime
		meta        []byte
	)
	err := s.Scan(&c.TenantID, &c.ID, &c.ExternalID, &c.Email, &c.Name, &currency,
		&procID, &defaultPM, &c.BalanceCents,
		&c.Aging.CurrentCents, &c.Aging.Days1To30, &c.Aging.Days31To60, &c.Aging.Days61To90, &c.Aging.Over90,
		&delinquency, &graceEnd, &c.FailedPaymentCount, &meta, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, mapError(op, err)
	}

	c.Currency = domain.Currency(currency)
	c.Delinquency = domain.DelinquencyState(delinquency)
	c.ProcessorCustomerID = stringVal(procID)
	c.DefaultPaymentMethodID = stringVal(defaultPM)
	c.GracePeriodEnd = timePtr(graceEnd)
	c.DeletedAt = timePtr(deletedAt)
	if c.Metadata, err = unmarshalMeta(op, meta); err != nil {
		return nil, err
	}
	return &c, nil
}

// requireRowAffected converts zero-row updates into not-found errors.
func requireRowAffected(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if n == 0 {
		return storage.NewNotFoundError(op)
	}
	return nil
}

// clampList applies pagination defaults and ceilings.
func clampList(opts storage.ListOptions) (limit, offset int) {
	limit = opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset = opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
