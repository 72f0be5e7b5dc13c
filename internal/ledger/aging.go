package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

// receivableStatuses are the invoice states that still carry receivable
// balance: open invoices plus disputed and uncollectible ones, whose amounts
// remain on the customer's balance until resolved or written off.
var receivableStatuses = []domain.InvoiceStatus{
	domain.InvoiceIssued,
	domain.InvoicePartiallyPaid,
	domain.InvoiceDisputed,
	domain.InvoiceUncollectible,
}

const agingPageSize = 200

// DaysPastDue returns how many whole days now is past due, zero when the
// invoice is not yet due.
func DaysPastDue(due, now time.Time) int {
	if !now.After(due) {
		return 0
	}
	return int(now.Sub(due).Hours() / 24)
}

// Bucket assigns each invoice's outstanding amount to its age bucket.
func Bucket(invoices []domain.Invoice, now time.Time) domain.AgingBuckets {
	var b domain.AgingBuckets
	for i := range invoices {
		out := invoices[i].OutstandingCents()
		if out == 0 {
			continue
		}
		switch days := DaysPastDue(invoices[i].DueAt, now); {
		case days <= 0:
			b.CurrentCents += out
		case days <= 30:
			b.Days1To30 += out
		case days <= 60:
			b.Days31To60 += out
		case days <= 90:
			b.Days61To90 += out
		default:
			b.Over90 += out
		}
	}
	return b
}

// Recalculator recomputes the denormalized aging buckets from invoice state.
type Recalculator struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecalculator returns a Recalculator over the given store.
func NewRecalculator(store storage.Store, logger *zap.Logger) *Recalculator {
	return &Recalculator{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecomputeTenant refreshes every customer of the tenant and returns how many
// were processed. Per-customer failures abort the pass so the scheduler's
// next tick retries from a consistent state.
func (r *Recalculator) RecomputeTenant(ctx context.Context, tenant string) (int, error) {
	ids, err := r.store.Customers().ListIDs(ctx, tenant)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.RecomputeCustomer(ctx, tenant, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// RecomputeCustomer rebuilds one customer's buckets under the customer lock.
// A drift between the bucket total and the ledger-derived balance is logged
// but not corrected: the ledger is authoritative, and drift means an invoice
// mutation bypassed it.
func (r *Recalculator) RecomputeCustomer(ctx context.Context, tenant, customerID string) error {
	now := r.now()
	return storage.WithinTx(ctx, r.store, func(tx storage.Tx) error {
		customer, err := tx.Customers().GetForUpdate(ctx, tenant, customerID)
		if err != nil {
			return err
		}

		filter := storage.InvoiceFilter{CustomerID: customerID, Statuses: receivableStatuses}
		var invoices []domain.Invoice
		for offset := 0; ; offset += agingPageSize {
			page, err := tx.Invoices().List(ctx, tenant, filter, storage.ListOptions{
				Limit:  agingPageSize,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			invoices = append(invoices, page...)
			if len(page) < agingPageSize {
				break
			}
		}

		buckets := Bucket(invoices, now)
		if total := buckets.Total(); total != customer.BalanceCents {
			r.logger.Warn("aging bucket total diverges from ledger balance",
				zap.String("tenant", tenant),
				zap.String("customer_id", customerID),
				zap.Int64("bucket_total_cents", total),
				zap.Int64("balance_cents", customer.BalanceCents))
		}
		return tx.Customers().UpdateAging(ctx, tenant, customerID, buckets)
	})
}
