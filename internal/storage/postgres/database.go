// Package postgres implements the storage contracts on PostgreSQL using
// database/sql and lib/pq. All uniqueness races resolve through constraint
// violations mapped to storage.ErrDuplicate rather than read-then-write.
package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ledgerline/arcd/internal/storage"
)

// Config holds the connection settings for the receivables database.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	DefaultTimeout  time.Duration
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.URL == "" {
		return storage.ErrMissingDatabaseURL
	}
	if c.MaxOpenConns < 0 {
		return storage.ErrInvalidMaxOpenConns
	}
	if c.MaxIdleConns < 0 {
		return storage.ErrInvalidMaxIdleConns
	}
	if c.DefaultTimeout < 0 {
		return storage.ErrInvalidTimeout
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	return c
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New creates a Store from the configuration without connecting.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, storage.NewConfigurationError("new_store", "invalid configuration", err)
	}
	return &Store{cfg: cfg.withDefaults()}, nil
}

// Open connects, configures the pool, and initializes the schema. A schema
// version newer or older than this binary understands is reported as a
// schema error so the caller can refuse to start.
func (s *Store) Open(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.URL)
	if err != nil {
		return storage.NewConnectionError("open", "failed to open database connection", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(s.cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return storage.NewConnectionError("open", "failed to ping database", err)
	}

	s.db = db

	if err := s.initSchema(ctx); err != nil {
		s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return storage.NewConnectionError("close", "failed to close database connection", err)
	}
	return nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStoreClosed
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return storage.NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

// Begin starts a transaction whose repositories share the same row locks.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if s.db == nil {
		return nil, storage.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.NewTransactionError("begin", "failed to begin transaction", err)
	}
	return &storeTx{tx: tx}, nil
}

// Repository accessors on the pool.

func (s *Store) Customers() storage.CustomerRepository {
	return &customerRepo{exec: s.db}
}

func (s *Store) PaymentMethods() storage.PaymentMethodRepository {
	return &paymentMethodRepo{exec: s.db}
}

func (s *Store) Invoices() storage.InvoiceRepository {
	return &invoiceRepo{exec: s.db}
}

func (s *Store) Charges() storage.ChargeRepository {
	return &chargeRepo{exec: s.db}
}

func (s *Store) Refunds() storage.RefundRepository {
	return &refundRepo{exec: s.db}
}

func (s *Store) Disputes() storage.DisputeRepository {
	return &disputeRepo{exec: s.db}
}

func (s *Store) Subscriptions() storage.SubscriptionRepository {
	return &subscriptionRepo{exec: s.db}
}

func (s *Store) LedgerEvents() storage.LedgerEventRepository {
	return &ledgerEventRepo{exec: s.db}
}

func (s *Store) PaymentApplications() storage.PaymentApplicationRepository {
	return &paymentApplicationRepo{exec: s.db}
}

func (s *Store) WebhookEvents() storage.WebhookEventRepository {
	return &webhookEventRepo{exec: s.db}
}

func (s *Store) Idempotency() storage.IdempotencyRepository {
	return &idempotencyRepo{exec: s.db}
}

func (s *Store) GLPostings() storage.GLPostingRepository {
	return &glPostingRepo{exec: s.db}
}

func (s *Store) Divergences() storage.DivergenceRepository {
	return &divergenceRepo{exec: s.db}
}

func (s *Store) Reports() storage.ReportsRepository {
	return &reportsRepo{exec: s.db}
}

// storeTx implements storage.Tx over one *sql.Tx.
type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return storage.NewTransactionError("commit", "transaction commit failed", err)
	}
	return nil
}

func (t *storeTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return storage.NewTransactionError("rollback", "transaction rollback failed", err)
	}
	return nil
}

func (t *storeTx) Customers() storage.CustomerRepository {
	return &customerRepo{exec: t.tx}
}

func (t *storeTx) PaymentMethods() storage.PaymentMethodRepository {
	return &paymentMethodRepo{exec: t.tx}
}

func (t *storeTx) Invoices() storage.InvoiceRepository {
	return &invoiceRepo{exec: t.tx}
}

func (t *storeTx) Charges() storage.ChargeRepository {
	return &chargeRepo{exec: t.tx}
}

func (t *storeTx) Refunds() storage.RefundRepository {
	return &refundRepo{exec: t.tx}
}

func (t *storeTx) Disputes() storage.DisputeRepository {
	return &disputeRepo{exec: t.tx}
}

func (t *storeTx) Subscriptions() storage.SubscriptionRepository {
	return &subscriptionRepo{exec: t.tx}
}

func (t *storeTx) LedgerEvents() storage.LedgerEventRepository {
	return &ledgerEventRepo{exec: t.tx}
}

func (t *storeTx) PaymentApplications() storage.PaymentApplicationRepository {
	return &paymentApplicationRepo{exec: t.tx}
}

func (t *storeTx) WebhookEvents() storage.WebhookEventRepository {
	return &webhookEventRepo{exec: t.tx}
}

func (t *storeTx) Idempotency() storage.IdempotencyRepository {
	return &idempotencyRepo{exec: t.tx}
}

func (t *storeTx) GLPostings() storage.GLPostingRepository {
	return &glPostingRepo{exec: t.tx}
}

func (t *storeTx) Divergences() storage.DivergenceRepository {
	return &divergenceRepo{exec: t.tx}
}

func (t *storeTx) Reports() storage.ReportsRepository {
	return &reportsRepo{exec: t.tx}
}
