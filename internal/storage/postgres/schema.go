package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ledgerline/arcd/internal/storage"
)

// schemaVersion is bumped whenever the DDL below changes incompatibly.
// Startup refuses to run against a database created by a different version.
const schemaVersion = 1

var schemaQueries = []string{
	`CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS customers (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		processor_customer_id TEXT,
		default_payment_method_id TEXT,
		balance_cents BIGINT NOT NULL DEFAULT 0,
		aging_current_cents BIGINT NOT NULL DEFAULT 0,
		aging_1_30_cents BIGINT NOT NULL DEFAULT 0,
		aging_31_60_cents BIGINT NOT NULL DEFAULT 0,
		aging_61_90_cents BIGINT NOT NULL DEFAULT 0,
		aging_over_90_cents BIGINT NOT NULL DEFAULT 0,
		delinquency TEXT NOT NULL DEFAULT 'none',
		grace_period_end TIMESTAMPTZ,
		failed_payment_count INTEGER NOT NULL DEFAULT 0,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, external_id)
	)`,

	`CREATE TABLE IF NOT EXISTS payment_methods (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		processor_method_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'card',
		brand TEXT NOT NULL DEFAULT '',
		last4 TEXT NOT NULL DEFAULT '',
		exp_month INTEGER NOT NULL DEFAULT 0,
		exp_year INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, id)
	)`,

	// At most one active default method per customer.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_methods_default
		ON payment_methods (tenant_id, customer_id) WHERE is_default AND deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS invoices (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		number TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		lines JSONB NOT NULL DEFAULT '[]',
		subtotal_cents BIGINT NOT NULL DEFAULT 0,
		tax_cents BIGINT NOT NULL DEFAULT 0,
		total_cents BIGINT NOT NULL DEFAULT 0,
		paid_cents BIGINT NOT NULL DEFAULT 0,
		credited_cents BIGINT NOT NULL DEFAULT 0,
		due_at TIMESTAMPTZ NOT NULL,
		issued_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ,
		collection_attempts INTEGER NOT NULL DEFAULT 0,
		next_collection_at TIMESTAMPTZ,
		collection_stopped TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_invoices_customer ON invoices (tenant_id, customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_collection
		ON invoices (tenant_id, next_collection_at) WHERE next_collection_at IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS charges (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		invoice_id TEXT,
		payment_method_id TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL,
		processor_charge_id TEXT,
		amount_cents BIGINT NOT NULL,
		refunded_cents BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_code TEXT NOT NULL DEFAULT '',
		failure_message TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		settled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, reference_id),
		UNIQUE (tenant_id, processor_charge_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_charges_customer ON charges (tenant_id, customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_charges_pending ON charges (tenant_id, created_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS refunds (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		charge_id TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		processor_refund_id TEXT,
		amount_cents BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		failure_code TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, reference_id),
		UNIQUE (tenant_id, processor_refund_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_refunds_charge ON refunds (tenant_id, charge_id)`,

	`CREATE TABLE IF NOT EXISTS disputes (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		charge_id TEXT NOT NULL,
		processor_dispute_id TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, processor_dispute_id)
	)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		processor_subscription_id TEXT,
		plan_code TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		currency TEXT NOT NULL,
		billing_interval TEXT NOT NULL,
		interval_count INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		current_period_start TIMESTAMPTZ NOT NULL,
		current_period_end TIMESTAMPTZ NOT NULL,
		canceled_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, processor_subscription_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions (tenant_id, customer_id)`,

	`CREATE TABLE IF NOT EXISTS ledger_events (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		invoice_id TEXT,
		type TEXT NOT NULL,
		delta_cents BIGINT NOT NULL,
		currency TEXT NOT NULL,
		source_event_id TEXT NOT NULL,
		balance_before_cents BIGINT NOT NULL,
		balance_after_cents BIGINT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, source_event_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_ledger_events_customer
		ON ledger_events (tenant_id, customer_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_invoice
		ON ledger_events (tenant_id, invoice_id) WHERE invoice_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS payment_applications (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		charge_id TEXT,
		allocated_cents BIGINT NOT NULL,
		currency TEXT NOT NULL,
		allocation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		source_event_id TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, source_event_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_payment_applications_invoice
		ON payment_applications (tenant_id, invoice_id)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		payload BYTEA NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ,
		dead_at TIMESTAMPTZ,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		revived_by TEXT NOT NULL DEFAULT '',
		revived_at TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, event_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_webhook_events_due
		ON webhook_events (next_attempt_at) WHERE status = 'failed' AND dead_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		tenant_id TEXT NOT NULL,
		key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		in_progress BOOLEAN NOT NULL DEFAULT TRUE,
		response_status INTEGER NOT NULL DEFAULT 0,
		response_body BYTEA,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, key)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_keys (expires_at)`,

	`CREATE TABLE IF NOT EXISTS gl_postings (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		posting_event_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		posting_date DATE NOT NULL,
		currency TEXT NOT NULL,
		lines JSONB NOT NULL,
		status TEXT NOT NULL,
		reject_code TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ,
		published_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, posting_event_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_gl_postings_due
		ON gl_postings (next_attempt_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS reconciliation_runs (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		checked INTEGER NOT NULL DEFAULT 0,
		divergences INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS divergences (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		processor_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		local_snapshot JSONB,
		remote_snapshot JSONB,
		detected_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		resolved_by TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_divergences_unresolved
		ON divergences (tenant_id, detected_at) WHERE resolved_at IS NULL`,
}

// initSchema creates missing tables and enforces the schema version.
func (s *Store) initSchema(ctx context.Context) error {
	for _, query := range schemaQueries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return storage.NewSchemaError("init_schema", "failed to execute schema query", err)
		}
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_info (version) VALUES ($1)`, schemaVersion); err != nil {
			return storage.NewSchemaError("init_schema", "failed to record schema version", err)
		}
	case err != nil:
		return storage.NewSchemaError("init_schema", "failed to read schema version", err)
	case version != schemaVersion:
		return storage.NewSchemaError("init_schema",
			fmt.Sprintf("database schema version %d, binary expects %d", version, schemaVersion),
			storage.ErrSchemaVersion).WithCode("SCHEMA_VERSION")
	}
	return nil
}
