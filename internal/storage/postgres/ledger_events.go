package postgres

import (
	"context"
	"database/sql"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type ledgerEventRepo struct {
	exec executor
}

const ledgerEventColumns = `tenant_id, id, customer_id, invoice_id, type, delta_cents, currency,
	source_event_id, balance_before_cents, balance_after_cents, description, occurred_at, created_at`

func (r *ledgerEventRepo) Insert(ctx context.Context, e *domain.LedgerEvent) error {
	const op = "insert_ledger_event"
	if err := requireTenant(op, e.TenantID); err != nil {
		return err
	}

	_, err := r.exec.ExecContext(ctx, `INSERT INTO ledger_events (
		tenant_id, id, customer_id, invoice_id, type, delta_cents, currency,
		source_event_id, balance_before_cents, balance_after_cents, description, occurred_at, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.TenantID, e.ID, e.CustomerID, nullString(e.InvoiceID), string(e.Type), e.DeltaCents,
		string(e.Currency), e.SourceEventID, e.BalanceBeforeCents, e.BalanceAfterCents,
		e.Description, e.OccurredAt, e.CreatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *ledgerEventRepo) GetBySourceEventID(ctx context.Context, tenant, sourceEventID string) (*domain.LedgerEvent, error) {
	const op = "get_ledger_event_by_source"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+ledgerEventColumns+` FROM ledger_events
		 WHERE tenant_id = $1 AND source_event_id = $2`, tenant, sourceEventID)
	return scanLedgerEvent(op, row)
}

func (r *ledgerEventRepo) ListByCustomer(ctx context.Context, tenant, customerID string, opts storage.ListOptions) ([]domain.LedgerEvent, error) {
	const op = "list_ledger_events_by_customer"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)
	return r.queryLedgerEvents(ctx, op,
		`SELECT `+ledgerEventColumns+` FROM ledger_events
		 WHERE tenant_id = $1 AND customer_id = $2
		 ORDER BY created_at, id LIMIT $3 OFFSET $4`, tenant, customerID, limit, offset)
}

func (r *ledgerEventRepo) ListByInvoice(ctx context.Context, tenant, invoiceID string) ([]domain.LedgerEvent, error) {
	const op = "list_ledger_events_by_invoice"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	return r.queryLedgerEvents(ctx, op,
		`SELECT `+ledgerEventColumns+` FROM ledger_events
		 WHERE tenant_id = $1 AND invoice_id = $2 ORDER BY created_at, id`, tenant, invoiceID)
}

func (r *ledgerEventRepo) queryLedgerEvents(ctx context.Context, op, query string, args ...interface{}) ([]domain.LedgerEvent, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.LedgerEvent
	for rows.Next() {
		e, err := scanLedgerEvent(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanLedgerEvent(op string, s scanner) (*domain.LedgerEvent, error) {
	var (
		e         domain.LedgerEvent
		invoiceID sql.NullString
		eventType string
		currency  string
	)
	err := s.Scan(&e.TenantID, &e.ID, &e.CustomerID, &invoiceID, &eventType, &e.DeltaCents,
		&currency, &e.SourceEventID, &e.BalanceBeforeCents, &e.BalanceAfterCents,
		&e.Description, &e.OccurredAt, &e.CreatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	e.InvoiceID = stringVal(invoiceID)
	e.Type = domain.LedgerEventType(eventType)
	e.Currency = domain.Currency(currency)
	return &e, nil
}
