package postgres

import (
	"context"
	"database/sql"

	"github.com/ledgerline/arcd/internal/domain"
)

type paymentMethodRepo struct {
	exec executor
}

const paymentMethodColumns = `tenant_id, id, customer_id, processor_method_id, kind, brand, last4,
	exp_month, exp_year, status, is_default, created_at, updated_at, deleted_at`

func (r *paymentMethodRepo) Insert(ctx context.Context, m *domain.PaymentMethod) error {
	const op = "insert_payment_method"
	if err := requireTenant(op, m.TenantID); err != nil {
		return err
	}
	_, err := r.exec.ExecContext(ctx, `INSERT INTO payment_methods (
		tenant_id, id, customer_id, processor_method_id, kind, brand, last4,
		exp_month, exp_year, status, is_default, created_at, updated_at, deleted_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.TenantID, m.ID, m.CustomerID, m.ProcessorMethodID, m.Kind, m.Brand, m.Last4,
		m.ExpMonth, m.ExpYear, string(m.Status), m.Default, m.CreatedAt, m.UpdatedAt, nullTime(m.DeletedAt))
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *paymentMethodRepo) Get(ctx context.Context, tenant, id string) (*domain.PaymentMethod, error) {
	const op = "get_payment_method"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanPaymentMethod(op, row)
}

func (r *paymentMethodRepo) Update(ctx context.Context, m *domain.PaymentMethod) error {
	const op = "update_payment_method"
	if err := requireTenant(op, m.TenantID); err != nil {
		return err
	}
	res, err := r.exec.ExecContext(ctx, `UPDATE payment_methods SET
		processor_method_id = $3, kind = $4, brand = $5, last4 = $6, exp_month = $7, exp_year = $8,
		status = $9, is_default = $10, updated_at = $11, deleted_at = $12
		WHERE tenant_id = $1 AND id = $2`,
		m.TenantID, m.ID, m.ProcessorMethodID, m.Kind, m.Brand, m.Last4, m.ExpMonth, m.ExpYear,
		string(m.Status), m.Default, m.UpdatedAt, nullTime(m.DeletedAt))
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *paymentMethodRepo) ListByCustomer(ctx context.Context, tenant, customerID string) ([]domain.PaymentMethod, error) {
	const op = "list_payment_methods"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods
		 WHERE tenant_id = $1 AND customer_id = $2 AND deleted_at IS NULL
		 ORDER BY created_at, id`, tenant, customerID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.PaymentMethod
	for rows.Next() {
		m, err := scanPaymentMethod(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (r *paymentMethodRepo) GetDefault(ctx context.Context, tenant, customerID string) (*domain.PaymentMethod, error) {
	const op = "get_default_payment_method"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods
		 WHERE tenant_id = $1 AND customer_id = $2 AND is_default AND deleted_at IS NULL`,
		tenant, customerID)
	return scanPaymentMethod(op, row)
}

func (r *paymentMethodRepo) ClearDefault(ctx context.Context, tenant, customerID string) error {
	const op = "clear_default_payment_method"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}
	_, err := r.exec.ExecContext(ctx,
		`UPDATE payment_methods SET is_default = FALSE, updated_at = NOW()
		 WHERE tenant_id = $1 AND customer_id = $2 AND is_default`, tenant, customerID)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func scanPaymentMethod(op string, s scanner) (*domain.PaymentMethod, error) {
	var (
		m         domain.PaymentMethod
		status    string
		deletedAt sql.NullTime
	)
	err := s.Scan(&m.TenantID, &m.ID, &m.CustomerID, &m.ProcessorMethodID, &m.Kind, &m.Brand, &m.Last4,
		&m.ExpMonth, &m.ExpYear, &status, &m.Default, &m.CreatedAt, &m.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	m.Status = domain.PaymentMethodStatus(status)
	m.DeletedAt = timePtr(deletedAt)
	return &m, nil
}
