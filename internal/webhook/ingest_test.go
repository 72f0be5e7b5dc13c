package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/processor/sandbox"
	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
	"github.com/ledgerline/arcd/internal/storage/storetest"
)

const (
	testTenant = "acme"
	testSecret = "whsec"
)

var testTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ingestor *Ingestor
	svc      *services.Services
	store    *storetest.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storetest.New()
	proc := sandbox.New()
	factory := sandbox.NewFactory(proc, map[string]processor.Credentials{
		testTenant: {SecretKey: "sk_test", AccountID: "acct_acme", WebhookSecret: testSecret},
	}, 5*time.Minute)
	poster := ledger.NewPoster(store)
	gl := glpost.NewBuilder(glpost.NewStaticResolver(nil))
	now := func() time.Time { return testTime }
	svc := services.New(services.Deps{
		Store:      store,
		Poster:     poster,
		GL:         gl,
		Processors: factory,
		Publisher:  events.NewMemoryBus(),
		Logger:     zap.NewNop(),
		Now:        now,
	})
	ingestor := &Ingestor{
		Store:   store,
		Clients: factory,
		Handlers: &Handlers{
			Store:   store,
			Charges: svc.Charges,
			Refunds: svc.Refunds,
			Poster:  poster,
			GL:      gl,
			Logger:  zap.NewNop(),
			Now:     now,
		},
		Logger: zap.NewNop(),
		Now:    now,
	}
	return &fixture{ingestor: ingestor, svc: svc, store: store}
}

// deliver signs and ingests one event envelope.
func (f *fixture) deliver(t *testing.T, eventID, eventType string, data any) (*Result, error) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(Event{ID: eventID, Type: eventType, CreatedAt: testTime, Data: raw})
	require.NoError(t, err)
	header := processor.SignPayload(body, testSecret, testTime)
	return f.ingestor.Ingest(context.Background(), testTenant, body, header)
}

func (f *fixture) customer(t *testing.T) *domain.Customer {
	t.Helper()
	customer, err := f.svc.Customers.Create(context.Background(), testTenant, services.CreateCustomerInput{
		ExternalID: "ext-1",
		Email:      "billing@example.com",
		Currency:   "USD",
	})
	require.NoError(t, err)
	return customer
}

func (f *fixture) issuedInvoice(t *testing.T, customerID string, totalCents int64) *domain.Invoice {
	t.Helper()
	inv, err := f.svc.Invoices.Create(context.Background(), testTenant, services.CreateInvoiceInput{
		CustomerID: customerID,
		Currency:   "USD",
		Lines:      []services.LineItemInput{{Description: "service", Quantity: 1, UnitAmountCents: totalCents}},
		DueAt:      testTime.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	inv, err = f.svc.Invoices.Issue(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	return inv
}

// pendingCharge seeds a charge whose processor outcome is unknown, the state
// an unavailable processor leaves behind, so the webhook settles it.
func (f *fixture) pendingCharge(t *testing.T, customerID, invoiceID string, amount int64) *domain.Charge {
	t.Helper()
	method, err := f.svc.PaymentMethods.Attach(context.Background(), testTenant, services.AttachInput{
		CustomerID: customerID,
		Token:      "tok_4242",
	})
	require.NoError(t, err)
	charge := &domain.Charge{
		ID:              domain.NewID(domain.PrefixCharge),
		TenantID:        testTenant,
		CustomerID:      customerID,
		InvoiceID:       invoiceID,
		PaymentMethodID: method.ID,
		ReferenceID:     "ref-1",
		AmountCents:     amount,
		Currency:        "USD",
		Status:          domain.ChargePending,
		CreatedAt:       testTime,
		UpdatedAt:       testTime,
	}
	require.NoError(t, f.store.Charges().Insert(context.Background(), charge))
	return charge
}

// settledCharge runs an ad-hoc charge through the sandbox synchronously.
func (f *fixture) settledCharge(t *testing.T, customerID string, amount int64) *domain.Charge {
	t.Helper()
	_, err := f.svc.PaymentMethods.Attach(context.Background(), testTenant, services.AttachInput{
		CustomerID: customerID,
		Token:      "tok_4242",
	})
	require.NoError(t, err)
	charge, err := f.svc.Charges.Create(context.Background(), testTenant, services.CreateChargeInput{
		CustomerID:  customerID,
		AmountCents: amount,
		Currency:    "USD",
		ReferenceID: "ref-settled",
	})
	require.NoError(t, err)
	require.Equal(t, domain.ChargeSucceeded, charge.Status)
	return charge
}

func TestIngestSettlesPendingCharge(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)
	charge := f.pendingCharge(t, customer.ID, inv.ID, 5000)

	res, err := f.deliver(t, "evt_1", TypePaymentSucceeded, PaymentData{
		ProcessorChargeID: "px_ch_async",
		ReferenceID:       charge.ReferenceID,
		AmountCents:       5000,
		Currency:          "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, res.Status)

	charge, err = f.svc.Charges.Get(context.Background(), testTenant, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeSucceeded, charge.Status)
	assert.Equal(t, "px_ch_async", charge.ProcessorChargeID)

	inv, err = f.svc.Invoices.Get(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, inv.Status)
}

func TestIngestDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)
	charge := f.pendingCharge(t, customer.ID, inv.ID, 5000)

	data := PaymentData{ProcessorChargeID: "px_ch_async", ReferenceID: charge.ReferenceID, AmountCents: 5000, Currency: "USD"}
	first, err := f.deliver(t, "evt_1", TypePaymentSucceeded, data)
	require.NoError(t, err)
	assert.True(t, first.Received)
	assert.False(t, first.Duplicate)

	second, err := f.deliver(t, "evt_1", TypePaymentSucceeded, data)
	require.NoError(t, err)
	assert.True(t, second.Received)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.WebhookID, second.WebhookID)

	inv, err = f.svc.Invoices.Get(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), inv.PaidCents)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	body, err := json.Marshal(Event{ID: "evt_1", Type: TypePaymentSucceeded, Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	header := processor.SignPayload(body, "wrong-secret", testTime)

	_, err = f.ingestor.Ingest(context.Background(), testTenant, body, header)
	require.Error(t, err)
	assert.True(t, domain.IsUnauthorized(err))

	record, err := f.store.WebhookEvents().GetByEventID(context.Background(), testTenant, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookFailed, record.Status)
	assert.Equal(t, domain.WebhookReasonInvalidSignature, record.FailureReason)
	assert.False(t, record.Retryable())
}

func TestIngestRejectsBodyWithoutEventID(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingestor.Ingest(context.Background(), testTenant, []byte(`{"type":"x"}`), "t=0,v1=00")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestIngestDeadLettersMalformedPayload(t *testing.T) {
	f := newFixture(t)

	// Valid envelope, but the payment data lacks the processor charge id.
	res, err := f.deliver(t, "evt_bad", TypePaymentSucceeded, map[string]string{"note": "useless"})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookFailed, res.Status)

	record, err := f.store.WebhookEvents().GetByEventID(context.Background(), testTenant, "evt_bad")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookReasonMalformedPayload, record.FailureReason)
	assert.True(t, record.Dead())
	assert.Nil(t, record.NextAttemptAt)
}

func TestIngestSchedulesRetryOnHandlerFailure(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)
	charge := f.pendingCharge(t, customer.ID, inv.ID, 5000)

	// Void the invoice while the charge is in flight: settling the charge now
	// fails its payment application, which is a retryable handler failure.
	_, err := f.svc.Invoices.Void(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_1", TypePaymentSucceeded, PaymentData{
		ProcessorChargeID: "px_ch_async",
		ReferenceID:       charge.ReferenceID,
		AmountCents:       5000,
		Currency:          "USD",
	})
	require.NoError(t, err, "handler failures are acknowledged; redelivery is local")
	assert.Equal(t, domain.WebhookFailed, res.Status)

	record, err := f.store.WebhookEvents().GetByEventID(context.Background(), testTenant, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookReasonHandlerError, record.FailureReason)
	assert.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.NextAttemptAt)
	assert.True(t, record.NextAttemptAt.After(testTime))
	assert.True(t, record.Retryable())
}

func TestIngestIgnoresUnknownEventType(t *testing.T) {
	f := newFixture(t)

	res, err := f.deliver(t, "evt_1", "payouts.payout.paid", map[string]string{"id": "po_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, res.Status)
}

func TestPaymentFailedRecordsDecline(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)
	charge := f.pendingCharge(t, customer.ID, inv.ID, 5000)

	res, err := f.deliver(t, "evt_1", TypePaymentFailed, PaymentData{
		ProcessorChargeID: "px_ch_async",
		ReferenceID:       charge.ReferenceID,
		FailureCode:       "card_declined",
		FailureMessage:    "the card was declined",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, res.Status)

	charge, err = f.svc.Charges.Get(context.Background(), testTenant, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeFailed, charge.Status)
	assert.Equal(t, "card_declined", charge.FailureCode)
}

func TestRefundWebhookMirrorsProcessorRefund(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t)
	charge := f.settledCharge(t, customer.ID, 8000)

	res, err := f.deliver(t, "evt_1", PrefixRefund+"succeeded", RefundData{
		ProcessorRefundID: "px_re_remote",
		ProcessorChargeID: charge.ProcessorChargeID,
		AmountCents:       3000,
		Currency:          "USD",
		Status:            "succeeded",
		Reason:            "requested_by_customer",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, res.Status)

	refund, err := f.store.Refunds().GetByProcessorID(context.Background(), testTenant, "px_re_remote")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundSucceeded, refund.Status)
	assert.Equal(t, charge.ID, refund.ChargeID)
	assert.Equal(t, int64(3000), refund.AmountCents)

	charge, err = f.svc.Charges.Get(context.Background(), testTenant, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), charge.RefundedCents)
}

func TestRefundWebhookSkipsUnresolvableCharge(t *testing.T) {
	f := newFixture(t)

	res, err := f.deliver(t, "evt_1", PrefixRefund+"succeeded", RefundData{
		ProcessorRefundID: "px_re_orphan",
		ProcessorChargeID: "px_ch_never_seen",
		AmountCents:       3000,
		Status:            "succeeded",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, res.Status)

	_, err = f.store.Refunds().GetByProcessorID(context.Background(), testTenant, "px_re_orphan")
	require.Error(t, err)

	divergences, err := f.store.Divergences().ListUnresolved(context.Background(), testTenant, storage.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, divergences, 1)
	assert.Equal(t, domain.DivergenceMissingLocal, divergences[0].Type)
	assert.Equal(t, "refund", divergences[0].EntityKind)
}

func TestDisputeLostPostsLoss(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t)
	charge := f.settledCharge(t, customer.ID, 8000)

	_, err := f.deliver(t, "evt_1", PrefixDispute+"created", DisputeData{
		ProcessorDisputeID: "px_dp_1",
		ProcessorChargeID:  charge.ProcessorChargeID,
		AmountCents:        8000,
		Currency:           "USD",
		Status:             "opened",
		Reason:             "fraudulent",
	})
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_2", PrefixDispute+"closed", DisputeData{
		ProcessorDisputeID: "px_dp_1",
		ProcessorChargeID:  charge.ProcessorChargeID,
		AmountCents:        8000,
		Currency:           "USD",
		Status:             "closed_lost",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, res.Status)

	dispute, err := f.store.Disputes().GetByProcessorID(context.Background(), testTenant, "px_dp_1")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeClosedLost, dispute.Status)
	require.NotNil(t, dispute.ClosedAt)

	entries, err := f.store.LedgerEvents().ListByCustomer(context.Background(), testTenant, customer.ID, storage.ListOptions{Limit: 100})
	require.NoError(t, err)
	var loss *domain.LedgerEvent
	for i := range entries {
		if entries[i].Type == domain.LedgerDisputeLost {
			loss = &entries[i]
		}
	}
	require.NotNil(t, loss, "expected a dispute loss ledger entry")
	assert.Equal(t, int64(-8000), loss.DeltaCents)
	assert.Equal(t, fmt.Sprintf("dispute:%s:lost", dispute.ID), loss.SourceEventID)

	due, err := f.store.GLPostings().ListDue(context.Background(), testTime.Add(time.Hour), 100)
	require.NoError(t, err)
	var found bool
	for _, p := range due {
		if p.SourceType == "dispute" && p.SourceID == dispute.ID {
			found = true
		}
	}
	assert.True(t, found, "expected a dispute loss GL posting")
}

func TestDisputeStatusNeverRegresses(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t)
	charge := f.settledCharge(t, customer.ID, 8000)

	_, err := f.deliver(t, "evt_1", PrefixDispute+"closed", DisputeData{
		ProcessorDisputeID: "px_dp_1",
		ProcessorChargeID:  charge.ProcessorChargeID,
		AmountCents:        8000,
		Currency:           "USD",
		Status:             "closed_won",
	})
	require.NoError(t, err)

	// The opened event arrives late; the closed status stands.
	_, err = f.deliver(t, "evt_2", PrefixDispute+"created", DisputeData{
		ProcessorDisputeID: "px_dp_1",
		ProcessorChargeID:  charge.ProcessorChargeID,
		AmountCents:        8000,
		Currency:           "USD",
		Status:             "opened",
	})
	require.NoError(t, err)

	dispute, err := f.store.Disputes().GetByProcessorID(context.Background(), testTenant, "px_dp_1")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeClosedWon, dispute.Status)
}

func TestSubscriptionWebhookUpdatesSnapshot(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t)
	_, err := f.svc.PaymentMethods.Attach(context.Background(), testTenant, services.AttachInput{
		CustomerID: customer.ID,
		Token:      "tok_4242",
	})
	require.NoError(t, err)
	sub, err := f.svc.Subscriptions.Create(context.Background(), testTenant, services.CreateSubscriptionInput{
		CustomerID:  customer.ID,
		PlanCode:    "pro-monthly",
		AmountCents: 2900,
		Currency:    "USD",
		Interval:    "month",
	})
	require.NoError(t, err)

	periodEnd := testTime.Add(30 * 24 * time.Hour)
	_, err = f.deliver(t, "evt_1", PrefixSubscription+"updated", SubscriptionData{
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		Status:                  "past_due",
		CurrentPeriodEnd:        &periodEnd,
	})
	require.NoError(t, err)

	sub, err = f.store.Subscriptions().Get(context.Background(), testTenant, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionPastDue, sub.Status)
	assert.Equal(t, periodEnd, sub.CurrentPeriodEnd)

	canceledAt := testTime.Add(time.Hour)
	_, err = f.deliver(t, "evt_2", PrefixSubscription+"canceled", SubscriptionData{
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		Status:                  "canceled",
		CanceledAt:              &canceledAt,
	})
	require.NoError(t, err)

	// A stale active-status event must not resurrect it.
	_, err = f.deliver(t, "evt_3", PrefixSubscription+"updated", SubscriptionData{
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		Status:                  "active",
	})
	require.NoError(t, err)

	sub, err = f.store.Subscriptions().Get(context.Background(), testTenant, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, canceledAt, *sub.CanceledAt)
}
