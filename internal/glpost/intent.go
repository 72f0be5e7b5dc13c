package glpost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

// ErrUnbalancedIntent reports a programmer error: an intent whose debits and
// credits disagree. It must never reach the wire.
var ErrUnbalancedIntent = errors.New("journal intent does not balance")

// Builder assembles journal intents from AR financial events.
type Builder struct {
	resolver Resolver
	now      func() time.Time
}

// NewBuilder returns a Builder over the account resolver.
func NewBuilder(resolver Resolver) *Builder {
	return &Builder{resolver: resolver, now: func() time.Time { return time.Now().UTC() }}
}

// Intent describes one journal entry to queue. PostingEventID is the
// caller's idempotency key: replays of the same financial event produce the
// same id and collapse in the queue.
type Intent struct {
	Trigger        Trigger
	PostingEventID string
	SourceType     string
	SourceID       string
	AmountCents    int64
	Currency       domain.Currency
	PostingDate    time.Time
}

// Build materializes the intent into a pending queue entry and verifies
// balance before it can be persisted.
func (b *Builder) Build(tenant string, intent Intent) (*domain.GLPosting, error) {
	if intent.AmountCents <= 0 {
		return nil, fmt.Errorf("glpost: non-positive amount for %s %s: %d",
			intent.SourceType, intent.SourceID, intent.AmountCents)
	}
	postingDate := intent.PostingDate
	if postingDate.IsZero() {
		postingDate = b.now()
	}
	posting := &domain.GLPosting{
		ID:             domain.NewID(domain.PrefixGLPosting),
		TenantID:       tenant,
		PostingEventID: intent.PostingEventID,
		SourceType:     intent.SourceType,
		SourceID:       intent.SourceID,
		PostingDate:    postingDate,
		Currency:       intent.Currency,
		Lines:          b.resolver.AccountsFor(tenant).lines(intent.Trigger, intent.AmountCents),
		Status:         domain.GLPostingPending,
		CreatedAt:      b.now(),
		UpdatedAt:      b.now(),
	}
	if !posting.Balanced() {
		return nil, fmt.Errorf("%w: %s %s", ErrUnbalancedIntent, intent.SourceType, intent.SourceID)
	}
	return posting, nil
}

// Enqueue builds the intent and inserts it into the posting queue inside the
// caller's transaction. A replayed posting event id is an idempotent no-op.
func (b *Builder) Enqueue(ctx context.Context, tx storage.Repositories, tenant string, intent Intent) error {
	posting, err := b.Build(tenant, intent)
	if err != nil {
		return err
	}
	if err := tx.GLPostings().Insert(ctx, posting); err != nil {
		if storage.IsDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}
