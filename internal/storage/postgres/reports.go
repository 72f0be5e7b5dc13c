package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type reportsRepo struct {
	exec executor
}

// AgingSummary rolls up the denormalized per-customer buckets by currency.
// Customers with a zero balance are excluded so the report only shows
// currencies with outstanding receivables.
func (r *reportsRepo) AgingSummary(ctx context.Context, tenant string) ([]storage.AgingSummaryRow, error) {
	const op = "report_aging_summary"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}

	rows, err := r.exec.QueryContext(ctx,
		`SELECT currency, COUNT(*), SUM(balance_cents),
		        SUM(aging_current_cents), SUM(aging_1_30_cents), SUM(aging_31_60_cents),
		        SUM(aging_61_90_cents), SUM(aging_over_90_cents)
		 FROM customers
		 WHERE tenant_id = $1 AND deleted_at IS NULL AND balance_cents <> 0
		 GROUP BY currency
		 ORDER BY currency`, tenant)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []storage.AgingSummaryRow
	for rows.Next() {
		var (
			row      storage.AgingSummaryRow
			currency string
		)
		if err := rows.Scan(&currency, &row.Customers, &row.TotalCents,
			&row.CurrentCents, &row.Days1To30, &row.Days31To60,
			&row.Days61To90, &row.Over90); err != nil {
			return nil, mapError(op, err)
		}
		row.Currency = domain.Currency(currency)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (r *reportsRepo) OpenInvoices(ctx context.Context, tenant string, opts storage.ListOptions) ([]storage.OpenInvoiceRow, error) {
	const op = "report_open_invoices"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)

	rows, err := r.exec.QueryContext(ctx,
		`SELECT i.id, i.customer_id, c.name, i.status, i.currency, i.total_cents,
		        i.total_cents - i.paid_cents - i.credited_cents, i.due_at
		 FROM invoices i
		 JOIN customers c ON c.tenant_id = i.tenant_id AND c.id = i.customer_id
		 WHERE i.tenant_id = $1 AND i.status IN ('issued','partially_paid')
		 ORDER BY i.due_at, i.id LIMIT $2 OFFSET $3`, tenant, limit, offset)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []storage.OpenInvoiceRow
	for rows.Next() {
		var (
			row      storage.OpenInvoiceRow
			status   string
			currency string
		)
		if err := rows.Scan(&row.InvoiceID, &row.CustomerID, &row.CustomerName, &status,
			&currency, &row.TotalCents, &row.OutstandingCents, &row.DueAt); err != nil {
			return nil, mapError(op, err)
		}
		row.Status = domain.InvoiceStatus(status)
		row.Currency = domain.Currency(currency)
		if now.After(row.DueAt) {
			row.DaysPastDue = int(now.Sub(row.DueAt).Hours() / 24)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (r *reportsRepo) DelinquentCustomers(ctx context.Context, tenant string) ([]storage.DelinquentCustomerRow, error) {
	const op = "report_delinquent_customers"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}

	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, name, email, delinquency, grace_period_end, balance_cents, currency, failed_payment_count
		 FROM customers
		 WHERE tenant_id = $1 AND deleted_at IS NULL AND delinquency <> 'none'
		 ORDER BY balance_cents DESC, id`, tenant)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []storage.DelinquentCustomerRow
	for rows.Next() {
		var (
			row         storage.DelinquentCustomerRow
			delinquency string
			grace       sql.NullTime
			currency    string
		)
		if err := rows.Scan(&row.CustomerID, &row.Name, &row.Email, &delinquency,
			&grace, &row.BalanceCents, &currency, &row.FailedPaymentCount); err != nil {
			return nil, mapError(op, err)
		}
		row.Delinquency = domain.DelinquencyState(delinquency)
		row.GracePeriodEnd = timePtr(grace)
		row.Currency = domain.Currency(currency)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}
