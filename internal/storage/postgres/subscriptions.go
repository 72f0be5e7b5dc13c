package postgres

import (
	"context"
	"database/sql"

	"github.com/ledgerline/arcd/internal/domain"
)

type subscriptionRepo struct {
	exec executor
}

const subscriptionColumns = `tenant_id, id, customer_id, processor_subscription_id, plan_code,
	amount_cents, currency, billing_interval, interval_count, status, cancel_at_period_end,
	current_period_start, current_period_end, canceled_at, metadata, created_at, updated_at`

func (r *subscriptionRepo) Insert(ctx context.Context, sub *domain.Subscription) error {
	const op = "insert_subscription"
	if err := requireTenant(op, sub.TenantID); err != nil {
		return err
	}
	meta, err := marshalJSON(op, sub.Metadata)
	if err != nil {
		return err
	}

	_, err = r.exec.ExecContext(ctx, `INSERT INTO subscriptions (
		tenant_id, id, customer_id, processor_subscription_id, plan_code,
		amount_cents, currency, billing_interval, interval_count, status, cancel_at_period_end,
		current_period_start, current_period_end, canceled_at, metadata, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		sub.TenantID, sub.ID, sub.CustomerID, nullString(sub.ProcessorSubscriptionID), sub.PlanCode,
		sub.AmountCents, string(sub.Currency), string(sub.Interval), sub.IntervalCount,
		string(sub.Status), sub.CancelAtPeriodEnd,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, nullTime(sub.CanceledAt),
		meta, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (r *subscriptionRepo) Get(ctx context.Context, tenant, id string) (*domain.Subscription, error) {
	const op = "get_subscription"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1 AND id = $2`, tenant, id)
	return scanSubscription(op, row)
}

func (r *subscriptionRepo) GetByProcessorID(ctx context.Context, tenant, processorSubscriptionID string) (*domain.Subscription, error) {
	const op = "get_subscription_by_processor_id"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE tenant_id = $1 AND processor_subscription_id = $2`, tenant, processorSubscriptionID)
	return scanSubscription(op, row)
}

func (r *subscriptionRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	const op = "update_subscription"
	if err := requireTenant(op, sub.TenantID); err != nil {
		return err
	}
	meta, err := marshalJSON(op, sub.Metadata)
	if err != nil {
		return err
	}

	res, err := r.exec.ExecContext(ctx, `UPDATE subscriptions SET
		processor_subscription_id = $3, status = $4, cancel_at_period_end = $5,
		current_period_start = $6, current_period_end = $7, canceled_at = $8,
		metadata = $9, updated_at = $10
		WHERE tenant_id = $1 AND id = $2`,
		sub.TenantID, sub.ID, nullString(sub.ProcessorSubscriptionID), string(sub.Status),
		sub.CancelAtPeriodEnd, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, nullTime(sub.CanceledAt),
		meta, sub.UpdatedAt)
	if err != nil {
		return mapError(op, err)
	}
	return requireRowAffected(op, res)
}

func (r *subscriptionRepo) ListByCustomer(ctx context.Context, tenant, customerID string) ([]domain.Subscription, error) {
	const op = "list_subscriptions_by_customer"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	return r.querySubscriptions(ctx, op,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE tenant_id = $1 AND customer_id = $2 ORDER BY created_at, id`, tenant, customerID)
}

func (r *subscriptionRepo) ListActive(ctx context.Context, tenant string) ([]domain.Subscription, error) {
	const op = "list_active_subscriptions"
	if err := requireTenant(op, tenant); err != nil {
		return nil, err
	}
	return r.querySubscriptions(ctx, op,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE tenant_id = $1 AND status IN ('active','past_due') ORDER BY created_at, id`, tenant)
}

func (r *subscriptionRepo) querySubscriptions(ctx context.Context, op, query string, args ...interface{}) ([]domain.Subscription, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanSubscription(op string, s scanner) (*domain.Subscription, error) {
	var (
		sub        domain.Subscription
		procID     sql.NullString
		currency   string
		interval   string
		status     string
		canceledAt sql.NullTime
		meta       []byte
	)
	err := s.Scan(&sub.TenantID, &sub.ID, &sub.CustomerID, &procID, &sub.PlanCode,
		&sub.AmountCents, &currency, &interval, &sub.IntervalCount, &status, &sub.CancelAtPeriodEnd,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &canceledAt, &meta,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	sub.ProcessorSubscriptionID = stringVal(procID)
	sub.Currency = domain.Currency(currency)
	sub.Interval = domain.BillingInterval(interval)
	sub.Status = domain.SubscriptionStatus(status)
	sub.CanceledAt = timePtr(canceledAt)
	if sub.Metadata, err = unmarshalMeta(op, meta); err != nil {
		return nil, err
	}
	return &sub, nil
}
