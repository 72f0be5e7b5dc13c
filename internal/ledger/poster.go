// Package ledger maintains the append-only receivable history and the
// denormalized customer balance derived from it. Every balance mutation in
// the engine funnels through Poster.PostTx under the customer row lock, keyed
// by a caller-supplied source event id so replays are exact no-ops.
package ledger

import (
	"context"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

// Entry describes one receivable movement to record.
type Entry struct {
	CustomerID    string
	InvoiceID     string
	Type          domain.LedgerEventType
	DeltaCents    int64
	Currency      domain.Currency
	SourceEventID string
	Description   string
	OccurredAt    time.Time
}

// Poster applies ledger entries.
type Poster struct {
	store storage.Store
	now   func() time.Time
}

// NewPoster returns a Poster writing through the given store.
func NewPoster(store storage.Store) *Poster {
	return &Poster{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Post applies the entry in its own transaction. It reports whether the entry
// was newly applied; a replayed source event id returns the original event
// with applied=false and leaves the balance untouched.
func (p *Poster) Post(ctx context.Context, tenant string, e Entry) (*domain.LedgerEvent, bool, error) {
	var (
		event   *domain.LedgerEvent
		applied bool
	)
	err := storage.WithinTx(ctx, p.store, func(tx storage.Tx) error {
		var err error
		event, applied, err = p.PostTx(ctx, tx, tenant, e)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return event, applied, nil
}

// PostTx applies the entry inside the caller's transaction so services can
// atomically combine it with invoice or charge updates. The customer row is
// locked first; the unique (tenant, source event id) constraint then decides
// whether this is a first application or a replay.
func (p *Poster) PostTx(ctx context.Context, tx storage.Repositories, tenant string, e Entry) (*domain.LedgerEvent, bool, error) {
	const op = "ledger.post"

	if err := validateEntry(op, tenant, e); err != nil {
		return nil, false, err
	}

	customer, err := tx.Customers().GetForUpdate(ctx, tenant, e.CustomerID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, domain.NewNotFoundError(op, "customer", e.CustomerID)
		}
		return nil, false, domain.WrapInternal(err, op)
	}
	if customer.Currency != e.Currency {
		return nil, false, domain.NewBusinessRuleError(op, domain.CodeCurrencyMismatch,
			"entry currency does not match customer currency")
	}

	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = p.now()
	}
	event := &domain.LedgerEvent{
		ID:                 domain.NewID(domain.PrefixLedgerEvent),
		TenantID:           tenant,
		CustomerID:         e.CustomerID,
		InvoiceID:          e.InvoiceID,
		Type:               e.Type,
		DeltaCents:         e.DeltaCents,
		Currency:           e.Currency,
		SourceEventID:      e.SourceEventID,
		BalanceBeforeCents: customer.BalanceCents,
		BalanceAfterCents:  customer.BalanceCents + e.DeltaCents,
		Description:        e.Description,
		OccurredAt:         occurred,
		CreatedAt:          p.now(),
	}

	if err := tx.LedgerEvents().Insert(ctx, event); err != nil {
		if storage.IsDuplicate(err) {
			existing, getErr := tx.LedgerEvents().GetBySourceEventID(ctx, tenant, e.SourceEventID)
			if getErr != nil {
				return nil, false, domain.WrapInternal(getErr, op)
			}
			return existing, false, nil
		}
		return nil, false, domain.WrapInternal(err, op)
	}

	customer.BalanceCents = event.BalanceAfterCents
	customer.UpdatedAt = p.now()
	if err := tx.Customers().Update(ctx, customer); err != nil {
		return nil, false, domain.WrapInternal(err, op)
	}
	return event, true, nil
}

func validateEntry(op, tenant string, e Entry) error {
	if tenant == "" {
		return domain.NewValidationError(op, "tenant is required")
	}
	if e.CustomerID == "" {
		return domain.NewValidationError(op, "customer_id is required")
	}
	if e.SourceEventID == "" {
		return domain.NewValidationError(op, "source_event_id is required")
	}
	if e.Type == "" {
		return domain.NewValidationError(op, "type is required")
	}
	if e.DeltaCents == 0 {
		return domain.NewValidationError(op, "delta_cents must be non-zero")
	}
	if !e.Currency.Valid() {
		return domain.NewValidationError(op, "currency is not a supported ISO 4217 code")
	}
	return nil
}
