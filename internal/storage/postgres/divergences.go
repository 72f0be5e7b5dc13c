package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type divergenceRepo struct {
	exec executor
}

func (r *divergenceRepo) InsertRun(ctx context.Context, run *domain.ReconciliationRun) error {
	const op = "insert_reconciliation_run"
	if err := requireTenant(op, run.TenantID); err != nil {
		return err
	}

	_, err := r.exec.ExecContext(ctx, `INSERT INTO reconciliation_runs (
		tenant_id, id, started_at, finished_at, checked, divergences, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		run.TenantID, run.ID, run.StartedAt, nullTime(run.FinishedAt),
		run.Checked, run.Divergences, run.Error)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *divergenceRepo) UpdateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	const op = "update_reconciliation_run"
	if err := requireTenant(op, run.TenantID); err != nil {
		return err
	}

	res, err := r.exec.ExecContext(ctx, `UPDATE reconciliation_runs SET
		finished_at = $3, checked = $4, divergences = $5, error = $6
		WHERE tenant_id = $1 AND id = $2`,
		run.TenantID, run.ID, nullTime(run.FinishedAt), run.Checked, run.Divergences, run.Error)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *divergenceRepo) Insert(ctx context.Context, d *domain.Divergence) error {
	const op = "insert_divergence"
	if err := requireTenant(op, d.TenantID); err != nil {
		return err
	}

	_, err := r.exec.ExecContext(ctx, `INSERT INTO divergences (
		tenant_id, id, run_id, entity_kind, entity_id, processor_id, type,
		local_snapshot, remote_snapshot, detected_at, resolved_at, resolved_by
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.TenantID, d.ID, d.RunID, d.EntityKind, d.EntityID, d.ProcessorID, string(d.Type),
		nullRawJSON(d.LocalSnapshot), nullRawJSON(d.RemoteSnapshot),
		d.DetectedAt, nullTime(d.ResolvedAt), d.ResolvedBy)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *divergenceRepo) ListUnresolved(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.Divergence, error) {
	const op = "list_unresolved_divergences"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)

	rows, err := r.exec.QueryContext(ctx,
		`SELECT tenant_id, id, run_id, entity_kind, entity_id, processor_id, type,
		        local_snapshot, remote_snapshot, detected_at, resolved_at, resolved_by
		 FROM divergences
		 WHERE tenant_id = $1 AND resolved_at IS NULL
		 ORDER BY detected_at, id LIMIT $2 OFFSET $3`, tenant, limit, offset)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.Divergence
	for rows.Next() {
		d, err := scanDivergence(op, rows)
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

func (r *divergenceRepo) Resolve(ctx context.Context, tenant, id, resolvedBy string, at time.Time) error {
	const op = "resolve_divergence"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}

	res, err := r.exec.ExecContext(ctx, `UPDATE divergences SET
		resolved_at = $3, resolved_by = $4
		WHERE tenant_id = $1 AND id = $2 AND resolved_at IS NULL`,
		tenant, id, at, resolvedBy)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func scanDivergence(op string, s scanner) (*domain.Divergence, error) {
	var (
		d          domain.Divergence
		divType    string
		local      []byte
		remote     []byte
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.TenantID, &d.ID, &d.RunID, &d.EntityKind, &d.EntityID, &d.ProcessorID,
		&divType, &local, &remote, &d.DetectedAt, &resolvedAt, &d.ResolvedBy)
	if err != nil {
		return nil, mapError(op, err)
	}
	d.Type = domain.DivergenceType(divType)
	if local != nil {
		d.LocalSnapshot = local
	}
	if remote != nil {
		d.RemoteSnapshot = remote
	}
	d.ResolvedAt = timePtr(resolvedAt)
	return &d, nil
}
