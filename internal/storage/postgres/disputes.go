package postgres

import (
	"context"
	"database/sql"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type disputeRepo struct {
	exec executor
}

const disputeColumns = `tenant_id, id, charge_id, processor_dispute_id,
	amount_cents, currency, status, reason, opened_at, closed_at, created_at, updated_at`

func (r *disputeRepo) Insert(ctx context.Context, d *domain.Dispute) error {
	const op = "insert_dispute"
	if err := requireTenant(op, d.TenantID); err != nil {
		return err
	}
	_, err := r.exec.ExecContext(ctx, `INSERT INTO disputes (
		tenant_id, id, charge_id, processor_dispute_id,
		amount_cents, currency, status, reason, opened_at, closed_at, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.TenantID, d.ID, d.ChargeID, d.ProcessorDisputeID,
		d.AmountCents, string(d.Currency), string(d.Status), d.Reason,
		d.OpenedAt, nullTime(d.ClosedAt), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *disputeRepo) Get(ctx context.Context, tenant, id string) (*domain.Dispute, error) {
	const op = "get_dispute"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanDispute(op, row)
}

func (r *disputeRepo) GetByProcessorID(ctx context.Context, tenant, processorDisputeID string) (*domain.Dispute, error) {
	const op = "get_dispute_by_processor_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE tenant_id = $1 AND processor_dispute_id = $2`, tenant, processorDisputeID)
	return scanDispute(op, row)
}

func (r *disputeRepo) Update(ctx context.Context, d *domain.Dispute) error {
	const op = "update_dispute"
	if err := requireTenant(op, d.TenantID); err != nil {
		return err
	}
	res, err := r.exec.ExecContext(ctx, `UPDATE disputes SET
		status = $3, reason = $4, closed_at = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2`,
		d.TenantID, d.ID, string(d.Status), d.Reason, nullTime(d.ClosedAt), d.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *disputeRepo) List(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Dispute, error) {
	const op = "list_disputes"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE tenant_id = $1
		 ORDER BY opened_at DESC, id LIMIT $2 OFFSET $3`, tenant, limit, offset)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanDispute(op string, s scanner) (*domain.Dispute, error) {
	var (
		d        domain.Dispute
		currency string
		status   string
		closedAt sql.NullTime
	)
	err := s.Scan(&d.TenantID, &d.ID, &d.ChargeID, &d.ProcessorDisputeID,
		&d.AmountCents, &currency, &status, &d.Reason, &d.OpenedAt, &closedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	d.Currency = domain.Currency(currency)
	d.Status = domain.DisputeStatus(status)
	d.ClosedAt = timePtr(closedAt)
	return &d, nil
}
