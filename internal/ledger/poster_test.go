package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
	"github.com/ledgerline/arcd/internal/storage/storetest"
)

var testTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestPoster(t *testing.T) (*Poster, *storetest.Store) {
	t.Helper()
	store := storetest.New()
	poster := NewPoster(store)
	poster.now = func() time.Time { return testTime }
	return poster, store
}

func seedCustomer(t *testing.T, store *storetest.Store, tenant, id string, balance int64) {
	t.Helper()
	err := store.Customers().Insert(context.Background(), &domain.Customer{
		ID:           id,
		TenantID:     tenant,
		ExternalID:   "ext-" + id,
		Currency:     "USD",
		BalanceCents: balance,
		Delinquency:  domain.DelinquencyNone,
		CreatedAt:    testTime,
		UpdatedAt:    testTime,
	})
	require.NoError(t, err)
}

func TestPosterAppliesEntry(t *testing.T) {
	poster, store := newTestPoster(t)
	seedCustomer(t, store, "acme", "cus_1", 0)

	event, applied, err := poster.Post(context.Background(), "acme", Entry{
		CustomerID:    "cus_1",
		InvoiceID:     "inv_1",
		Type:          domain.LedgerInvoiceIssued,
		DeltaCents:    9900,
		Currency:      "USD",
		SourceEventID: "invoice_issued:inv_1",
		Description:   "invoice inv_1 issued",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(0), event.BalanceBeforeCents)
	assert.Equal(t, int64(9900), event.BalanceAfterCents)
	assert.Equal(t, "invoice_issued:inv_1", event.SourceEventID)

	customer, err := store.Customers().Get(context.Background(), "acme", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(9900), customer.BalanceCents)
}

func TestPosterReplayIsIdempotent(t *testing.T) {
	poster, store := newTestPoster(t)
	seedCustomer(t, store, "acme", "cus_1", 0)

	entry := Entry{
		CustomerID:    "cus_1",
		Type:          domain.LedgerPaymentApplied,
		DeltaCents:    -2500,
		Currency:      "USD",
		SourceEventID: "payment:ch_1",
	}
	first, applied, err := poster.Post(context.Background(), "acme", entry)
	require.NoError(t, err)
	require.True(t, applied)

	second, applied, err := poster.Post(context.Background(), "acme", entry)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.ID, second.ID)

	customer, err := store.Customers().Get(context.Background(), "acme", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(-2500), customer.BalanceCents, "replay must not re-apply the delta")
}

func TestPosterSignedDeltasAccumulate(t *testing.T) {
	poster, store := newTestPoster(t)
	seedCustomer(t, store, "acme", "cus_1", 0)

	moves := []Entry{
		{CustomerID: "cus_1", Type: domain.LedgerInvoiceIssued, DeltaCents: 10000, Currency: "USD", SourceEventID: "s1"},
		{CustomerID: "cus_1", Type: domain.LedgerPaymentApplied, DeltaCents: -6000, Currency: "USD", SourceEventID: "s2"},
		{CustomerID: "cus_1", Type: domain.LedgerCreditMemo, DeltaCents: -1500, Currency: "USD", SourceEventID: "s3"},
	}
	for _, e := range moves {
		_, applied, err := poster.Post(context.Background(), "acme", e)
		require.NoError(t, err)
		require.True(t, applied)
	}

	customer, err := store.Customers().Get(context.Background(), "acme", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), customer.BalanceCents)

	events, err := store.LedgerEvents().ListByCustomer(context.Background(), "acme", "cus_1", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	after := make(map[string]int64, len(events))
	for _, e := range events {
		after[e.SourceEventID] = e.BalanceAfterCents
	}
	assert.Equal(t, int64(10000), after["s1"])
	assert.Equal(t, int64(4000), after["s2"])
	assert.Equal(t, int64(2500), after["s3"])
}

func TestPosterCurrencyMismatch(t *testing.T) {
	poster, store := newTestPoster(t)
	seedCustomer(t, store, "acme", "cus_1", 0)

	_, _, err := poster.Post(context.Background(), "acme", Entry{
		CustomerID:    "cus_1",
		Type:          domain.LedgerInvoiceIssued,
		DeltaCents:    500,
		Currency:      "EUR",
		SourceEventID: "s1",
	})
	require.Error(t, err)
	assert.True(t, domain.IsBusinessRule(err))
	assert.Equal(t, domain.CodeCurrencyMismatch, domain.CodeOf(err))
}

func TestPosterUnknownCustomer(t *testing.T) {
	poster, _ := newTestPoster(t)

	_, _, err := poster.Post(context.Background(), "acme", Entry{
		CustomerID:    "cus_missing",
		Type:          domain.LedgerInvoiceIssued,
		DeltaCents:    500,
		Currency:      "USD",
		SourceEventID: "s1",
	})
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestPosterTenantScoping(t *testing.T) {
	poster, store := newTestPoster(t)
	seedCustomer(t, store, "acme", "cus_1", 0)

	_, _, err := poster.Post(context.Background(), "globex", Entry{
		CustomerID:    "cus_1",
		Type:          domain.LedgerInvoiceIssued,
		DeltaCents:    500,
		Currency:      "USD",
		SourceEventID: "s1",
	})
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err), "cross-tenant lookup must look like a missing row")
}

func TestPosterValidation(t *testing.T) {
	poster, store := newTestPoster(t)
	seedCustomer(t, store, "acme", "cus_1", 0)

	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing customer", Entry{Type: domain.LedgerAdjustment, DeltaCents: 1, Currency: "USD", SourceEventID: "s"}},
		{"missing source event id", Entry{CustomerID: "cus_1", Type: domain.LedgerAdjustment, DeltaCents: 1, Currency: "USD"}},
		{"missing type", Entry{CustomerID: "cus_1", DeltaCents: 1, Currency: "USD", SourceEventID: "s"}},
		{"zero delta", Entry{CustomerID: "cus_1", Type: domain.LedgerAdjustment, Currency: "USD", SourceEventID: "s"}},
		{"bad currency", Entry{CustomerID: "cus_1", Type: domain.LedgerAdjustment, DeltaCents: 1, Currency: "XQ", SourceEventID: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := poster.Post(context.Background(), "acme", tt.entry)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err))
		})
	}
}
