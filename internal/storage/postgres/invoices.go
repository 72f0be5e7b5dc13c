package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type invoiceRepo struct {
	exec executor
}

const invoiceColumns = `tenant_id, id, customer_id, number, currency, status, lines,
	subtotal_cents, tax_cents, total_cents, paid_cents, credited_cents,
	due_at, issued_at, closed_at, collection_attempts, next_collection_at, collection_stopped,
	metadata, created_at, updated_at`

func (r *invoiceRepo) Insert(ctx context.Context, inv *domain.Invoice) error {
	const op = "insert_invoice"
	if err := requireTenant(op, inv.TenantID); err != nil {
		return err
	}
	lines, err := marshalLines(op, inv.Lines)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(op, inv.Metadata)
	if err != nil {
		return err
	}

	_, err = r.exec.ExecContext(ctx, `INSERT INTO invoices (
		tenant_id, id, customer_id, number, currency, status, lines,
		subtotal_cents, tax_cents, total_cents, paid_cents, credited_cents,
		due_at, issued_at, closed_at, collection_attempts, next_collection_at, collection_stopped,
		metadata, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		inv.TenantID, inv.ID, inv.CustomerID, inv.Number, string(inv.Currency), string(inv.Status), lines,
		inv.SubtotalCents, inv.TaxCents, inv.TotalCents, inv.PaidCents, inv.CreditedCents,
		inv.DueAt, nullTime(inv.IssuedAt), nullTime(inv.ClosedAt),
		inv.CollectionAttempts, nullTime(inv.NextCollectionAt), inv.CollectionStopped,
		meta, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *invoiceRepo) Get(ctx context.Context, tenant, id string) (*domain.Invoice, error) {
	const op = "get_invoice"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanInvoice(op, row)
}

func (r *invoiceRepo) GetForUpdate(ctx context.Context, tenant, id string) (*domain.Invoice, error) {
	const op = "get_invoice_for_update"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenant, id)
	return scanInvoice(op, row)
}

func (r *invoiceRepo) Update(ctx context.Context, inv *domain.Invoice) error {
	const op = "update_invoice"
	if err := requireTenant(op, inv.TenantID); err != nil {
		return err
	}
	lines, err := marshalLines(op, inv.Lines)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(op, inv.Metadata)
	if err != nil {
		return err
	}

	res, err := r.exec.ExecContext(ctx, `UPDATE invoices SET
		number = $3, status = $4, lines = $5,
		subtotal_cents = $6, tax_cents = $7, total_cents = $8, paid_cents = $9, credited_cents = $10,
		due_at = $11, issued_at = $12, closed_at = $13,
		collection_attempts = $14, next_collection_at = $15, collection_stopped = $16,
		metadata = $17, updated_at = $18
		WHERE tenant_id = $1 AND id = $2`,
		inv.TenantID, inv.ID, inv.Number, string(inv.Status), lines,
		inv.SubtotalCents, inv.TaxCents, inv.TotalCents, inv.PaidCents, inv.CreditedCents,
		inv.DueAt, nullTime(inv.IssuedAt), nullTime(inv.ClosedAt),
		inv.CollectionAttempts, nullTime(inv.NextCollectionAt), inv.CollectionStopped,
		meta, inv.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *invoiceRepo) List(ctx context.Context, tenant string, filter storage.InvoiceFilter, opts storage.ListOptions) ([]domain.Invoice, error) {
	const op = "list_invoices"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)

	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE tenant_id = $1`
	args := []interface{}{tenant}
	argCount := 1

	if filter.CustomerID != "" {
		argCount++
		query += fmt.Sprintf(" AND customer_id = $%d", argCount)
		args = append(args, filter.CustomerID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		argCount++
		query += fmt.Sprintf(" AND status = ANY($%d)", argCount)
		args = append(args, pqStringArray(statuses))
	}
	if filter.DueBefore != nil {
		argCount++
		query += fmt.Sprintf(" AND due_at < $%d", argCount)
		args = append(args, *filter.DueBefore)
	}

	argCount++
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", argCount)
	args = append(args, limit)
	argCount++
	query += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	return r.queryInvoices(ctx, op, query, args...)
}

func (r *invoiceRepo) ListOpenByCustomer(ctx context.Context, tenant, customerID string) ([]domain.Invoice, error) {
	const op = "list_open_invoices"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	return r.queryInvoices(ctx, op,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE tenant_id = $1 AND customer_id = $2 AND status IN ('issued','partially_paid')
		 ORDER BY due_at, id`, tenant, customerID)
}

func (r *invoiceRepo) ListCollectible(ctx context.Context, tenant string, now time.Time, limit int) ([]domain.Invoice, error) {
	const op = "list_collectible_invoices"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return r.queryInvoices(ctx, op,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE tenant_id = $1 AND status IN ('issued','partially_paid')
		   AND collection_stopped = '' AND next_collection_at IS NOT NULL AND next_collection_at <= $2
		 ORDER BY next_collection_at, id LIMIT $3`, tenant, now, limit)
}

func (r *invoiceRepo) queryInvoices(ctx context.Context, op, query string, args ...interface{}) ([]domain.Invoice, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanInvoice(op string, s scanner) (*domain.Invoice, error) {
	var (
		inv        domain.Invoice
		currency   string
		status     string
		lines      []byte
		issuedAt   sql.NullTime
		closedAt   sql.NullTime
		nextColl   sql.NullTime
		meta       []byte
	)
	err := s.Scan(&inv.TenantID, &inv.ID, &inv.CustomerID, &inv.Number, &currency, &status, &lines,
		&inv.SubtotalCents, &inv.TaxCents, &inv.TotalCents, &inv.PaidCents, &inv.CreditedCents,
		&inv.DueAt, &issuedAt, &closedAt, &inv.CollectionAttempts, &nextColl, &inv.CollectionStopped,
		&meta, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}

	inv.Currency = domain.Currency(currency)
	inv.Status = domain.InvoiceStatus(status)
	inv.IssuedAt = timePtr(issuedAt)
	inv.ClosedAt = timePtr(closedAt)
	inv.NextCollectionAt = timePtr(nextColl)
	if err := json.Unmarshal(lines, &inv.Lines); err != nil {
		return nil, storage.NewDataError(op, "failed to decode invoice lines", err)
	}
	if inv.Metadata, err = unmarshalMeta(op, meta); err != nil {
		return nil, err
	}
	return &inv, nil
}

func marshalLines(op string, lines []domain.LineItem) ([]byte, error) {
	if lines == nil {
		lines = []domain.LineItem{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return nil, storage.NewDataError(op, "failed to encode invoice lines", err)
	}
	return data, nil
}
