package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type webhookEventRepo struct {
	exec executor
}

const webhookEventColumns = `tenant_id, id, event_id, type, payload, status, failure_reason,
	attempts, next_attempt_at, dead_at, received_at, processed_at, revived_by, revived_at`

func (r *webhookEventRepo) Insert(ctx context.Context, w *domain.WebhookEvent) error {
	const op = "insert_webhook_event"
	if err := requireTenant(op, w.TenantID); err != nil {
		return err
	}

	payload := w.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := r.exec.ExecContext(ctx, `INSERT INTO webhook_events (
		tenant_id, id, event_id, type, payload, status, failure_reason,
		attempts, next_attempt_at, dead_at, received_at, processed_at, revived_by, revived_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		w.TenantID, w.ID, w.EventID, w.Type, payload, string(w.Status), w.FailureReason,
		w.Attempts, nullTime(w.NextAttemptAt), nullTime(w.DeadAt), w.ReceivedAt, nullTime(w.ProcessedAt),
		w.RevivedBy, nullTime(w.RevivedAt))
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *webhookEventRepo) Get(ctx context.Context, tenant, id string) (*domain.WebhookEvent, error) {
	const op = "get_webhook_event"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanWebhookEvent(op, row)
}

func (r *webhookEventRepo) GetByEventID(ctx context.Context, tenant, eventID string) (*domain.WebhookEvent, error) {
	const op = "get_webhook_event_by_event_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		 WHERE tenant_id = $1 AND event_id = $2`, tenant, eventID)
	return scanWebhookEvent(op, row)
}

func (r *webhookEventRepo) Update(ctx context.Context, w *domain.WebhookEvent) error {
	const op = "update_webhook_event"
	if err := requireTenant(op, w.TenantID); err != nil {
		return err
	}

	res, err := r.exec.ExecContext(ctx, `UPDATE webhook_events SET
		type = $3, status = $4, failure_reason = $5, attempts = $6,
		next_attempt_at = $7, dead_at = $8, processed_at = $9, revived_by = $10, revived_at = $11
		WHERE tenant_id = $1 AND id = $2`,
		w.TenantID, w.ID, w.Type, string(w.Status), w.FailureReason, w.Attempts,
		nullTime(w.NextAttemptAt), nullTime(w.DeadAt), nullTime(w.ProcessedAt),
		w.RevivedBy, nullTime(w.RevivedAt))
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

// ListDue is deliberately cross-tenant: the retry worker drains one queue for
// the whole deployment, oldest due first.
func (r *webhookEventRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	const op = "list_due_webhook_events"
	if limit <= 0 {
		limit = 50
	}
	return r.queryWebhookEvents(ctx, op,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		 WHERE status = 'failed' AND dead_at IS NULL AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		 ORDER BY next_attempt_at LIMIT $2`, now, limit)
}

func (r *webhookEventRepo) ListDead(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.WebhookEvent, error) {
	const op = "list_dead_webhook_events"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)
	return r.queryWebhookEvents(ctx, op,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		 WHERE tenant_id = $1 AND dead_at IS NOT NULL
		 ORDER BY dead_at DESC LIMIT $2 OFFSET $3`, tenant, limit, offset)
}

func (r *webhookEventRepo) queryWebhookEvents(ctx context.Context, op, query string, args ...interface{}) ([]domain.WebhookEvent, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		w, err := scanWebhookEvent(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanWebhookEvent(op string, s scanner) (*domain.WebhookEvent, error) {
	var (
		w           domain.WebhookEvent
		status      string
		nextAttempt sql.NullTime
		deadAt      sql.NullTime
		processedAt sql.NullTime
		revivedAt   sql.NullTime
	)
	err := s.Scan(&w.TenantID, &w.ID, &w.EventID, &w.Type, &w.Payload, &status, &w.FailureReason,
		&w.Attempts, &nextAttempt, &deadAt, &w.ReceivedAt, &processedAt, &w.RevivedBy, &revivedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	w.Status = domain.WebhookStatus(status)
	w.NextAttemptAt = timePtr(nextAttempt)
	w.DeadAt = timePtr(deadAt)
	w.ProcessedAt = timePtr(processedAt)
	w.RevivedAt = timePtr(revivedAt)
	return &w, nil
}
