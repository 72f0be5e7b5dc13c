package postgres

import (
	"context"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
)

type idempotencyRepo struct {
	exec executor
}

func (r *idempotencyRepo) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	const op = "insert_idempotency_key"
	if err := requireTenant(op, rec.TenantID); err != nil {
		return err
	}

	body := rec.ResponseBody
	if body == nil {
		body = []byte{}
	}
	_, err := r.exec.ExecContext(ctx, `INSERT INTO idempotency_keys (
		tenant_id, key, request_hash, in_progress, response_status, response_body, created_at, expires_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.TenantID, rec.Key, rec.RequestHash, rec.InProgress, rec.ResponseStatus,
		body, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *idempotencyRepo) Get(ctx context.Context, tenant, key string) (*domain.IdempotencyRecord, error) {
	const op = "get_idempotency_key"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}

	var rec domain.IdempotencyRecord
	err := r.exec.QueryRowContext(ctx,
		`SELECT tenant_id, key, request_hash, in_progress, response_status, response_body, created_at, expires_at
		 FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`, tenant, key).
		Scan(&rec.TenantID, &rec.Key, &rec.RequestHash, &rec.InProgress, &rec.ResponseStatus,
			&rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	return &rec, nil
}

func (r *idempotencyRepo) Complete(ctx context.Context, tenant, key string, status int, body []byte) error {
	const op = "complete_idempotency_key"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}

	if body == nil {
		body = []byte{}
	}
	res, err := r.exec.ExecContext(ctx, `UPDATE idempotency_keys SET
		in_progress = FALSE, response_status = $3, response_body = $4
		WHERE tenant_id = $1 AND key = $2`, tenant, key, status, body)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *idempotencyRepo) Delete(ctx context.Context, tenant, key string) error {
	const op = "delete_idempotency_key"
	if err := requireTenant(op, tenant); err != nil {
		return err
	}

	if _, err := r.exec.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`, tenant, key); err != nil {
		return mapError(op, err)
	}
	return nil
}

// DeleteExpired sweeps records past their TTL across all tenants.
func (r *idempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const op = "delete_expired_idempotency_keys"
	res, err := r.exec.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, mapError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapError(op, err)
	}
	return n, nil
}
