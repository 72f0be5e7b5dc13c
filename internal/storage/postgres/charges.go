package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type chargeRepo struct {
	exec executor
}

const chargeColumns = `tenant_id, id, customer_id, invoice_id, payment_method_id, reference_id,
	processor_charge_id, amount_cents, refunded_cents, currency, status,
	failure_code, failure_message, attempt, settled_at, created_at, updated_at`

func (r *chargeRepo) Insert(ctx context.Context, c *domain.Charge) error {
	const op = "insert_charge"
	if err := requireTenant(op, c.TenantID); err != nil {
		return err
	}
	_, err := r.exec.ExecContext(ctx, `INSERT INTO charges (
		tenant_id, id, customer_id, invoice_id, payment_method_id, reference_id,
		processor_charge_id, amount_cents, refunded_cents, currency, status,
		failure_code, failure_message, attempt, settled_at, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		c.TenantID, c.ID, c.CustomerID, nullString(c.InvoiceID), c.PaymentMethodID, c.ReferenceID,
		nullString(c.ProcessorChargeID), c.AmountCents, c.RefundedCents, string(c.Currency), string(c.Status),
		c.FailureCode, c.FailureMessage, c.Attempt, nullTime(c.SettledAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *chargeRepo) Get(ctx context.Context, tenant, id string) (*domain.Charge, error) {
	const op = "get_charge"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanCharge(op, row)
}

func (r *chargeRepo) GetForUpdate(ctx context.Context, tenant, id string) (*domain.Charge, error) {
	const op = "get_charge_for_update"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenant, id)
	return scanCharge(op, row)
}

func (r *chargeRepo) GetByReferenceID(ctx context.Context, tenant, referenceID string) (*domain.Charge, error) {
	const op = "get_charge_by_reference"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE tenant_id = $1 AND reference_id = $2`, tenant, referenceID)
	return scanCharge(op, row)
}

func (r *chargeRepo) GetByProcessorID(ctx context.Context, tenant, processorChargeID string) (*domain.Charge, error) {
	const op = "get_charge_by_processor_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE tenant_id = $1 AND processor_charge_id = $2`, tenant, processorChargeID)
	return scanCharge(op, row)
}

func (r *chargeRepo) Update(ctx context.Context, c *domain.Charge) error {
	const op = "update_charge"
	if err := requireTenant(op, c.TenantID); err != nil {
		return err
	}
	res, err := r.exec.ExecContext(ctx, `UPDATE charges SET
		invoice_id = $3, payment_method_id = $4, processor_charge_id = $5,
		amount_cents = $6, refunded_cents = $7, status = $8,
		failure_code = $9, failure_message = $10, attempt = $11, settled_at = $12, updated_at = $13
		WHERE tenant_id = $1 AND id = $2`,
		c.TenantID, c.ID, nullString(c.InvoiceID), c.PaymentMethodID, nullString(c.ProcessorChargeID),
		c.AmountCents, c.RefundedCents, string(c.Status),
		c.FailureCode, c.FailureMessage, c.Attempt, nullTime(c.SettledAt), c.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *chargeRepo) List(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Charge, error) {
	const op = "list_charges"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)
	return r.queryCharges(ctx, op,
		`SELECT `+chargeColumns+` FROM charges WHERE tenant_id = $1
		 ORDER BY created_at, id LIMIT $2 OFFSET $3`, tenant, limit, offset)
}

func (r *chargeRepo) ListByCustomer(ctx context.Context, tenant, customerID string, opts storage.ListOptions) ([]domain.Charge, error) {
	const op = "list_charges_by_customer"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)
	return r.queryCharges(ctx, op,
		`SELECT `+chargeColumns+` FROM charges WHERE tenant_id = $1 AND customer_id = $2
		 ORDER BY created_at, id LIMIT $3 OFFSET $4`, tenant, customerID, limit, offset)
}

func (r *chargeRepo) ListUnsettled(ctx context.Context, tenant string, cutoff time.Time) ([]domain.Charge, error) {
	const op = "list_unsettled_charges"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	return r.queryCharges(ctx, op,
		`SELECT `+chargeColumns+` FROM charges
		 WHERE tenant_id = $1 AND status = 'pending' AND created_at < $2
		 ORDER BY created_at, id`, tenant, cutoff)
}

func (r *chargeRepo) queryCharges(ctx context.Context, op, query string, args ...interface{}) ([]domain.Charge, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.Charge
	for rows.Next() {
		c, err := scanCharge(op, rows)
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

func scanCharge(op string, s scanner) (*domain.Charge, error) {
	var (
		c         domain.Charge
		invoiceID sql.NullString
		procID    sql.NullString
		currency  string
		status    string
		settledAt sql.NullTime
	)
	err := s.Scan(&c.TenantID, &c.ID, &c.CustomerID, &invoiceID, &c.PaymentMethodID, &c.ReferenceID,
		&procID, &c.AmountCents, &c.RefundedCents, &currency, &status,
		&c.FailureCode, &c.FailureMessage, &c.Attempt, &settledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	c.InvoiceID = stringVal(invoiceID)
	c.ProcessorChargeID = stringVal(procID)
	c.Currency = domain.Currency(currency)
	c.Status = domain.ChargeStatus(status)
	c.SettledAt = timePtr(settledAt)
	return &c, nil
}
