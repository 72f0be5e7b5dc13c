package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
)

type refundRepo struct {
	exec executor
}

const refundColumns = `tenant_id, id, charge_id, reference_id, processor_refund_id,
	amount_cents, currency, status, reason, failure_code, created_at, updated_at`

func (r *refundRepo) Insert(ctx context.Context, rf *domain.Refund) error {
	const op = "insert_refund"
	if err := requireTenant(op, rf.TenantID); err != nil {
		return err
	}
	_, err := r.exec.ExecContext(ctx, `INSERT INTO refunds (
		tenant_id, id, charge_id, reference_id, processor_refund_id,
		amount_cents, currency, status, reason, failure_code, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rf.TenantID, rf.ID, rf.ChargeID, rf.ReferenceID, nullString(rf.ProcessorRefundID),
		rf.AmountCents, string(rf.Currency), string(rf.Status), rf.Reason, rf.FailureCode,
		rf.CreatedAt, rf.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *refundRepo) Get(ctx context.Context, tenant, id string) (*domain.Refund, error) {
	const op = "get_refund"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanRefund(op, row)
}

func (r *refundRepo) GetByReferenceID(ctx context.Context, tenant, referenceID string) (*domain.Refund, error) {
	const op = "get_refund_by_reference"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE tenant_id = $1 AND reference_id = $2`, tenant, referenceID)
	return scanRefund(op, row)
}

func (r *refundRepo) GetByProcessorID(ctx context.Context, tenant, processorRefundID string) (*domain.Refund, error) {
	const op = "get_refund_by_processor_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE tenant_id = $1 AND processor_refund_id = $2`, tenant, processorRefundID)
	return scanRefund(op, row)
}

func (r *refundRepo) Update(ctx context.Context, rf *domain.Refund) error {
	const op = "update_refund"
	if err := requireTenant(op, rf.TenantID); err != nil {
		return err
	}
	res, err := r.exec.ExecContext(ctx, `UPDATE refunds SET
		processor_refund_id = $3, status = $4, reason = $5, failure_code = $6, updated_at = $7
		WHERE tenant_id = $1 AND id = $2`,
		rf.TenantID, rf.ID, nullString(rf.ProcessorRefundID), string(rf.Status), rf.Reason,
		rf.FailureCode, rf.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *refundRepo) ListByCharge(ctx context.Context, tenant, chargeID string) ([]domain.Refund, error) {
	const op = "list_refunds_by_charge"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE tenant_id = $1 AND charge_id = $2
		 ORDER BY created_at, id`, tenant, chargeID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.Refund
	for rows.Next() {
		rf, err := scanRefund(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rf)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (r *refundRepo) ListUnsettled(ctx context.Context, tenant string, cutoff time.Time) ([]domain.Refund, error) {
	const op = "list_unsettled_refunds"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds
		 WHERE tenant_id = $1 AND status = 'pending' AND created_at < $2
		 ORDER BY created_at, id`, tenant, cutoff)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.Refund
	for rows.Next() {
		rf, err := scanRefund(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rf)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanRefund(op string, s scanner) (*domain.Refund, error) {
	var (
		rf       domain.Refund
		procID   sql.NullString
		currency string
		status   string
	)
	err := s.Scan(&rf.TenantID, &rf.ID, &rf.ChargeID, &rf.ReferenceID, &procID,
		&rf.AmountCents, &currency, &status, &rf.Reason, &rf.FailureCode,
		&rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	rf.ProcessorRefundID = stringVal(procID)
	rf.Currency = domain.Currency(currency)
	rf.Status = domain.RefundStatus(status)
	return &rf, nil
}
