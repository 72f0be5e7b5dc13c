package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

type glPostingRepo struct {
	exec executor
}

const glPostingColumns = `tenant_id, id, posting_event_id, source_type, source_id, posting_date,
	currency, lines, status, reject_code, reject_reason, attempts, next_attempt_at,
	published_at, resolved_at, created_at, updated_at`

func (r *glPostingRepo) Insert(ctx context.Context, p *domain.GLPosting) error {
	const op = "insert_gl_posting"
	if err := requireTenant(op, p.TenantID); err != nil {
		return err
	}
	lines, err := marshalGLLines(op, p.Lines)
	if err != nil {
		return err
	}

	_, err = r.exec.ExecContext(ctx, `INSERT INTO gl_postings (
		tenant_id, id, posting_event_id, source_type, source_id, posting_date,
		currency, lines, status, reject_code, reject_reason, attempts, next_attempt_at,
		published_at, resolved_at, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.TenantID, p.ID, p.PostingEventID, p.SourceType, p.SourceID, p.PostingDate,
		string(p.Currency), lines, string(p.Status), p.RejectCode, p.RejectReason,
		p.Attempts, nullTime(p.NextAttemptAt), nullTime(p.PublishedAt), nullTime(p.ResolvedAt),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *glPostingRepo) Get(ctx context.Context, tenant, id string) (*domain.GLPosting, error) {
	const op = "get_gl_posting"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+glPostingColumns+` FROM gl_postings WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanGLPosting(op, row)
}

func (r *glPostingRepo) GetByPostingEventID(ctx context.Context, tenant, postingEventID string) (*domain.GLPosting, error) {
	const op = "get_gl_posting_by_event_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+glPostingColumns+` FROM gl_postings
		 WHERE tenant_id = $1 AND posting_event_id = $2`, tenant, postingEventID)
	return scanGLPosting(op, row)
}

func (r *glPostingRepo) Update(ctx context.Context, p *domain.GLPosting) error {
	const op = "update_gl_posting"
	if err := requireTenant(op, p.TenantID); err != nil {
		return err
	}

	res, err := r.exec.ExecContext(ctx, `UPDATE gl_postings SET
		status = $3, reject_code = $4, reject_reason = $5, attempts = $6,
		next_attempt_at = $7, published_at = $8, resolved_at = $9, updated_at = $10
		WHERE tenant_id = $1 AND id = $2`,
		p.TenantID, p.ID, string(p.Status), p.RejectCode, p.RejectReason, p.Attempts,
		nullTime(p.NextAttemptAt), nullTime(p.PublishedAt), nullTime(p.ResolvedAt), p.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

// ListDue is cross-tenant: the publish worker drains one outbox for the whole
// deployment. A NULL next_attempt_at means the posting has never been tried.
func (r *glPostingRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.GLPosting, error) {
	const op = "list_due_gl_postings"
	if limit <= 0 {
		limit = 50
	}
	return r.queryGLPostings(ctx, op,
		`SELECT `+glPostingColumns+` FROM gl_postings
		 WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		 ORDER BY created_at LIMIT $2`, now, limit)
}

func (r *glPostingRepo) ListRejected(ctx context.Context, tenant string, opts storage.ListOptions) ([]domain.GLPosting, error) {
	const op = "list_rejected_gl_postings"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	limit, offset := clampList(opts)
	return r.queryGLPostings(ctx, op,
		`SELECT `+glPostingColumns+` FROM gl_postings
		 WHERE tenant_id = $1 AND status = 'rejected'
		 ORDER BY resolved_at DESC LIMIT $2 OFFSET $3`, tenant, limit, offset)
}

func (r *glPostingRepo) queryGLPostings(ctx context.Context, op, query string, args ...interface{}) ([]domain.GLPosting, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.GLPosting
	for rows.Next() {
		p, err := scanGLPosting(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanGLPosting(op string, s scanner) (*domain.GLPosting, error) {
	var (
		p           domain.GLPosting
		currency    string
		lines       []byte
		status      string
		nextAttempt sql.NullTime
		publishedAt sql.NullTime
		resolvedAt  sql.NullTime
	)
	err := s.Scan(&p.TenantID, &p.ID, &p.PostingEventID, &p.SourceType, &p.SourceID, &p.PostingDate,
		&currency, &lines, &status, &p.RejectCode, &p.RejectReason, &p.Attempts, &nextAttempt,
		&publishedAt, &resolvedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	p.Currency = domain.Currency(currency)
	p.Status = domain.GLPostingStatus(status)
	p.NextAttemptAt = timePtr(nextAttempt)
	p.PublishedAt = timePtr(publishedAt)
	p.ResolvedAt = timePtr(resolvedAt)
	if err := json.Unmarshal(lines, &p.Lines); err != nil {
		return nil, storage.NewDataError(op, "failed to decode posting lines", err)
	}
	return &p, nil
}

func marshalGLLines(op string, lines []domain.GLLine) ([]byte, error) {
	if lines == nil {
		lines = []domain.GLLine{}
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return nil, storage.NewDataError(op, "failed to encode posting lines", err)
	}
	return b, nil
}
