package postgres

import (
	"context"
	"database/sql"

	"github.com/ledgerline/arcd/internal/domain"
)

type paymentApplicationRepo struct {
	exec executor
}

const paymentApplicationColumns = `tenant_id, id, invoice_id, customer_id, charge_id, allocated_cents,
	currency, allocation_type, status, source_event_id, applied_at, created_at`

func (r *paymentApplicationRepo) Insert(ctx context.Context, a *domain.PaymentApplication) error {
	const op = "insert_payment_application"
	if err := requireTenant(op, a.TenantID); err != nil {
		return err
	}

	_, err := r.exec.ExecContext(ctx, `INSERT INTO payment_applications (
		tenant_id, id, invoice_id, customer_id, charge_id, allocated_cents,
		currency, allocation_type, status, source_event_id, applied_at, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.TenantID, a.ID, a.InvoiceID, a.CustomerID, nullString(a.ChargeID), a.AllocatedCents,
		string(a.Currency), string(a.AllocationType), string(a.Status), a.SourceEventID,
		a.AppliedAt, a.CreatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *paymentApplicationRepo) GetBySourceEventID(ctx context.Context, tenant, sourceEventID string) (*domain.PaymentApplication, error) {
	const op = "get_payment_application_by_source"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+paymentApplicationColumns+` FROM payment_applications
		 WHERE tenant_id = $1 AND source_event_id = $2`, tenant, sourceEventID)
	return scanPaymentApplication(op, row)
}

func (r *paymentApplicationRepo) ListByInvoice(ctx context.Context, tenant, invoiceID string) ([]domain.PaymentApplication, error) {
	const op = "list_payment_applications_by_invoice"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+paymentApplicationColumns+` FROM payment_applications
		 WHERE tenant_id = $1 AND invoice_id = $2 ORDER BY created_at, id`, tenant, invoiceID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.PaymentApplication
	for rows.Next() {
		a, err := scanPaymentApplication(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanPaymentApplication(op string, s scanner) (*domain.PaymentApplication, error) {
	var (
		a          domain.PaymentApplication
		chargeID   sql.NullString
		currency   string
		allocation string
		status     string
	)
	err := s.Scan(&a.TenantID, &a.ID, &a.InvoiceID, &a.CustomerID, &chargeID, &a.AllocatedCents,
		&currency, &allocation, &status, &a.SourceEventID, &a.AppliedAt, &a.CreatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	a.ChargeID = stringVal(chargeID)
	a.Currency = domain.Currency(currency)
	a.AllocationType = domain.AllocationType(allocation)
	a.Status = domain.ApplicationStatus(status)
	return &a, nil
}
