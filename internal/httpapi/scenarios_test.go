package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
	"github.com/ledgerline/arcd/internal/webhook"
)

// deliverWebhook signs and posts one processor event to the intake endpoint.
func (f *fixture) deliverWebhook(t *testing.T, eventID, eventType string, data any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(webhook.Event{ID: eventID, Type: eventType, CreatedAt: testTime, Data: raw})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+testAppID, bytes.NewReader(body))
	req.Header.Set(headerSignature, processor.SignPayload(body, testSecret, testTime))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// Full collection flow: charge a customer for an issued invoice, settle the
// charge through the processor webhook, and verify the invoice, the AR
// balance and the balanced GL intent.
func TestScenarioInvoicePaidThroughWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "pm_test_1")

	rec := f.call(t, http.MethodPost, "/invoices", services.CreateInvoiceInput{
		CustomerID: customer.ID,
		Currency:   "USD",
		Lines:      []services.LineItemInput{{Description: "annual plan", Quantity: 1, UnitAmountCents: 9900}},
		DueAt:      testTime.Add(30 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	invoice := decode[domain.Invoice](t, rec)
	rec = f.call(t, http.MethodPost, "/invoices/"+invoice.ID+"/issue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Issuing raises the AR balance.
	fresh, err := f.store.Customers().Get(ctx, testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9900), fresh.BalanceCents)

	// The charge is pending until the processor confirms asynchronously; the
	// row is seeded directly so the webhook is what settles it.
	charge := &domain.Charge{
		ID:                domain.NewID(domain.PrefixCharge),
		TenantID:          testTenant,
		CustomerID:        customer.ID,
		InvoiceID:         invoice.ID,
		ReferenceID:       "order-s1",
		ProcessorChargeID: "pch_s1",
		AmountCents:       9900,
		Currency:          "USD",
		Status:            domain.ChargePending,
		CreatedAt:         testTime,
		UpdatedAt:         testTime,
	}
	require.NoError(t, f.store.Charges().Insert(ctx, charge))

	rec = f.deliverWebhook(t, "evt_s1", webhook.TypePaymentSucceeded, map[string]any{
		"charge_id":    "pch_s1",
		"amount_cents": 9900,
		"currency":     "USD",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.call(t, http.MethodGet, "/invoices/"+invoice.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.InvoicePaid, decode[domain.Invoice](t, rec).Status)

	fresh, err = f.store.Customers().Get(ctx, testTenant, customer.ID)
	require.NoError(t, err)
	assert.Zero(t, fresh.BalanceCents)

	// One balanced DR Cash / CR Receivable intent for the full amount.
	due, err := f.store.GLPostings().ListDue(ctx, testTime.Add(time.Hour), 100)
	require.NoError(t, err)
	var payments []domain.GLPosting
	for _, p := range due {
		for _, line := range p.Lines {
			if line.AccountCode == glpost.AccountCash && line.DebitCents > 0 {
				payments = append(payments, p)
				break
			}
		}
	}
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Balanced())
	var debits int64
	for _, line := range payments[0].Lines {
		debits += line.DebitCents
	}
	assert.Equal(t, int64(9900), debits)

	// Replaying the same delivery changes nothing.
	rec = f.deliverWebhook(t, "evt_s1", webhook.TypePaymentSucceeded, map[string]any{
		"charge_id":    "pch_s1",
		"amount_cents": 9900,
		"currency":     "USD",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decode[webhook.Result](t, rec)
	assert.True(t, replay.Received)
	assert.True(t, replay.Duplicate)

	after, err := f.store.GLPostings().ListDue(ctx, testTime.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Len(t, after, len(due))
}

// A duplicated refund submission converges on one row and one ledger entry
// regardless of which layer catches the replay.
func TestScenarioRefundReferenceIDConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "pm_test_1")

	rec := f.call(t, http.MethodPost, "/charges", services.CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-s4",
	}, withIdempotencyKey("idem-s4-charge"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	charge := decode[domain.Charge](t, rec)
	require.Equal(t, domain.ChargeSucceeded, charge.Status)

	in := services.CreateRefundInput{
		ChargeID:    charge.ID,
		AmountCents: 2000,
		ReferenceID: "r-42",
	}
	first := f.call(t, http.MethodPost, "/refunds", in, withIdempotencyKey("idem-s4-a"))
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	// A second submission under a different idempotency key still converges
	// on the same refund through the reference id.
	second := f.call(t, http.MethodPost, "/refunds", in, withIdempotencyKey("idem-s4-b"))
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t,
		decode[domain.Refund](t, first).ID,
		decode[domain.Refund](t, second).ID)

	events, err := f.store.LedgerEvents().ListByCustomer(ctx, testTenant, customer.ID, storage.ListOptions{Limit: 100})
	require.NoError(t, err)
	var refundEvents int
	for _, e := range events {
		if e.Type == domain.LedgerRefund {
			refundEvents++
			assert.Equal(t, int64(-2000), e.DeltaCents)
		}
	}
	assert.Equal(t, 1, refundEvents)
}
