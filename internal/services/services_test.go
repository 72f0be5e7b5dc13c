package services

import (
	"context"
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
	"github.com/ledgerline/arcd/internal/storage/storetest"
)

const testTenant = "acme"

var testTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Services
	store *storetest.Store
	bus   *events.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storetest.New()
	bus := events.NewMemoryBus()
	proc := sandbox.New()
	factory := sandbox.NewFactory(proc, map[string]processor.Credentials{
		testTenant: {SecretKey: "sk_test", AccountID: "acct_acme", WebhookSecret: "whsec"},
	}, 5*time.Minute)
	svc := New(Deps{
		Store:      store,
		Poster:     ledger.NewPoster(store),
		GL:         glpost.NewBuilder(glpost.NewStaticResolver(nil)),
		Processors: factory,
		Publisher:  bus,
		Logger:     zap.NewNop(),
		Now:        func() time.Time { return testTime },
	})
	return &fixture{svc: svc, store: store, bus: bus}
}

func (f *fixture) createCustomer(t *testing.T) *domain.Customer {
	t.Helper()
	customer, err := f.svc.Customers.Create(context.Background(), testTenant, CreateCustomerInput{
		ExternalID: "ext-1",
		Email:      "billing@example.com",
		Name:       "Example Inc",
		Currency:   "USD",
	})
	require.NoError(t, err)
	return customer
}

func (f *fixture) attachMethod(t *testing.T, customerID, token string) *domain.PaymentMethod {
	t.Helper()
	method, err := f.svc.PaymentMethods.Attach(context.Background(), testTenant, AttachInput{
		CustomerID: customerID,
		Token:      token,
	})
	require.NoError(t, err)
	return method
}

func (f *fixture) issuedInvoice(t *testing.T, customerID string, totalCents int64) *domain.Invoice {
	t.Helper()
	inv, err := f.svc.Invoices.Create(context.Background(), testTenant, CreateInvoiceInput{
		CustomerID: customerID,
		Currency:   "USD",
		Lines:      []LineItemInput{{Description: "service", Quantity: 1, UnitAmountCents: totalCents}},
		DueAt:      testTime.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	inv, err = f.svc.Invoices.Issue(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	return inv
}

func (f *fixture) glQueue(t *testing.T) []domain.GLPosting {
	t.Helper()
	due, err := f.store.GLPostings().ListDue(context.Background(), testTime.Add(time.Hour), 100)
	require.NoError(t, err)
	return due
}

func businessCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	require.True(t, domain.IsBusinessRule(err), "expected business-rule error, got %v", err)
	return domain.CodeOf(err)
}

func TestCustomerCreateDuplicateExternalID(t *testing.T) {
	f := newFixture(t)
	f.createCustomer(t)

	_, err := f.svc.Customers.Create(context.Background(), testTenant, CreateCustomerInput{
		ExternalID: "ext-1",
		Currency:   "USD",
	})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestAttachFirstMethodBecomesDefault(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	method := f.attachMethod(t, customer.ID, "tok_4242")
	assert.Equal(t, domain.PaymentMethodActive, method.Status)
	assert.True(t, method.Default)
	assert.Equal(t, "card", method.Kind)
	assert.Equal(t, "4242", method.Last4)

	// The processor customer was registered lazily and persisted.
	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.ProcessorCustomerID)
	assert.Equal(t, method.ID, fresh.DefaultPaymentMethodID)
}

func TestAttachFailureDiscardsPendingRow(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	_, err := f.svc.PaymentMethods.Attach(context.Background(), testTenant, AttachInput{
		CustomerID: customer.ID,
		Token:      "tok" + sandbox.SuffixAttachFail,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindProcessor, domain.KindOf(err))

	methods, err := f.svc.PaymentMethods.List(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Empty(t, methods)
}

func TestSetDefaultSwapsAtomically(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	first := f.attachMethod(t, customer.ID, "tok_1111")
	second := f.attachMethod(t, customer.ID, "tok_2222")
	require.True(t, first.Default)
	require.False(t, second.Default)

	_, err := f.svc.PaymentMethods.SetDefault(context.Background(), testTenant, second.ID)
	require.NoError(t, err)

	methods, err := f.svc.PaymentMethods.List(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	defaults := 0
	for _, m := range methods {
		if m.Default {
			defaults++
			assert.Equal(t, second.ID, m.ID)
		}
	}
	assert.Equal(t, 1, defaults)

	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, fresh.DefaultPaymentMethodID)
}

func TestDeleteDefaultMethodClearsFastPath(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	method := f.attachMethod(t, customer.ID, "tok_4242")

	require.NoError(t, f.svc.PaymentMethods.Delete(context.Background(), testTenant, method.ID))

	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.DefaultPaymentMethodID)

	methods, err := f.svc.PaymentMethods.List(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Empty(t, methods)
}

func TestInvoiceIssuePostsReceivableAndQueuesGL(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	inv := f.issuedInvoice(t, customer.ID, 9900)

	assert.Equal(t, domain.InvoiceIssued, inv.Status)
	assert.Equal(t, int64(9900), inv.TotalCents)
	require.NotNil(t, inv.IssuedAt)

	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9900), fresh.BalanceCents)

	queue := f.glQueue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, "invoice", queue[0].SourceType)
	assert.True(t, queue[0].Balanced())

	// Issuing twice is a conflict, and the ledger holds a single event.
	_, err = f.svc.Invoices.Issue(context.Background(), testTenant, inv.ID)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestInvoiceCreateTaxFromRate(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	// 99.99 at 8.75% is 8.749125, rounded to the cent.
	inv, err := f.svc.Invoices.Create(context.Background(), testTenant, CreateInvoiceInput{
		CustomerID: customer.ID,
		Currency:   "USD",
		Lines:      []LineItemInput{{Description: "service", Quantity: 3, UnitAmountCents: 3333}},
		TaxRate:    "0.0875",
		DueAt:      testTime.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9999), inv.SubtotalCents)
	assert.Equal(t, int64(875), inv.TaxCents)
	assert.Equal(t, int64(10874), inv.TotalCents)

	_, err = f.svc.Invoices.Create(context.Background(), testTenant, CreateInvoiceInput{
		CustomerID: customer.ID,
		Currency:   "USD",
		Lines:      []LineItemInput{{Description: "service", Quantity: 1, UnitAmountCents: 1000}},
		TaxCents:   100,
		TaxRate:    "0.1",
		DueAt:      testTime.Add(30 * 24 * time.Hour),
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.Invoices.Create(context.Background(), testTenant, CreateInvoiceInput{
		CustomerID: customer.ID,
		Currency:   "USD",
		Lines:      []LineItemInput{{Description: "service", Quantity: 1, UnitAmountCents: 1000}},
		TaxRate:    "-0.1",
		DueAt:      testTime.Add(30 * 24 * time.Hour),
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestChargeOnInvoiceSettlesIt(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")
	inv := f.issuedInvoice(t, customer.ID, 5000)

	charge, err := f.svc.Charges.Create(context.Background(), testTenant, CreateChargeInput{
		CustomerID:  customer.ID,
		InvoiceID:   inv.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeSucceeded, charge.Status)
	assert.NotEmpty(t, charge.ProcessorChargeID)
	require.NotNil(t, charge.SettledAt)

	paid, err := f.svc.Invoices.Get(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, paid.Status)
	assert.Equal(t, int64(5000), paid.PaidCents)

	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.BalanceCents)

	// issue + payment → two queued journal entries, one invoice.paid event.
	assert.Len(t, f.glQueue(t), 2)
	assert.Len(t, f.bus.BySubject(events.SubjectInvoicePaid), 1)
}

func TestChargeReferenceReplayReturnsOriginal(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")
	inv := f.issuedInvoice(t, customer.ID, 5000)

	in := CreateChargeInput{
		CustomerID:  customer.ID,
		InvoiceID:   inv.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-1",
	}
	first, err := f.svc.Charges.Create(context.Background(), testTenant, in)
	require.NoError(t, err)
	second, err := f.svc.Charges.Create(context.Background(), testTenant, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// No double application: balance stays settled, one payment GL intent.
	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.BalanceCents)
	assert.Len(t, f.glQueue(t), 2)
}

func TestChargeDeclineRecordsFailure(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok"+sandbox.SuffixDeclined)

	charge, err := f.svc.Charges.Create(context.Background(), testTenant, CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 2500,
		Currency:    "USD",
		ReferenceID: "order-2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeFailed, charge.Status)
	assert.Equal(t, "card_declined", charge.FailureCode)

	// A failed charge moves no money and queues nothing.
	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.BalanceCents)
	assert.Empty(t, f.glQueue(t))
}

func TestChargeRequiresUsableMethod(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	_, err := f.svc.Charges.Create(context.Background(), testTenant, CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 1000,
		Currency:    "USD",
		ReferenceID: "order-3",
	})
	assert.Equal(t, domain.CodeNoDefaultPaymentMethod, businessCode(t, err))
}

func TestChargeRefusedForSuspendedCustomer(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")

	customer.Delinquency = domain.DelinquencySuspended
	require.NoError(t, f.store.Customers().Update(context.Background(), customer))

	_, err := f.svc.Charges.Create(context.Background(), testTenant, CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 1000,
		Currency:    "USD",
		ReferenceID: "order-4",
	})
	assert.Equal(t, domain.CodeCustomerSuspended, businessCode(t, err))
}

func TestRefundPartialThenOverRefundRejected(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")
	inv := f.issuedInvoice(t, customer.ID, 5000)
	charge, err := f.svc.Charges.Create(context.Background(), testTenant, CreateChargeInput{
		CustomerID:  customer.ID,
		InvoiceID:   inv.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-5",
	})
	require.NoError(t, err)

	refund, err := f.svc.Refunds.Create(context.Background(), testTenant, CreateRefundInput{
		ChargeID:    charge.ID,
		AmountCents: 2000,
		ReferenceID: "r-42",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundSucceeded, refund.Status)

	// Refund re-opens 2000 of receivable as a negative ledger delta against
	// the settled balance of 0 → -2000.
	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-2000), fresh.BalanceCents)

	updated, err := f.svc.Charges.Get(context.Background(), testTenant, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), updated.RefundedCents)

	_, err = f.svc.Refunds.Create(context.Background(), testTenant, CreateRefundInput{
		ChargeID:    charge.ID,
		AmountCents: 4000,
		ReferenceID: "r-43",
	})
	assert.Equal(t, domain.CodeAmountMismatch, businessCode(t, err))
}

func TestRefundReferenceReplayReturnsOriginal(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")
	charge, err := f.svc.Charges.Create(context.Background(), testTenant, CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-6",
	})
	require.NoError(t, err)

	in := CreateRefundInput{ChargeID: charge.ID, AmountCents: 2000, ReferenceID: "r-42"}
	first, err := f.svc.Refunds.Create(context.Background(), testTenant, in)
	require.NoError(t, err)
	second, err := f.svc.Refunds.Create(context.Background(), testTenant, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	updated, err := f.svc.Charges.Get(context.Background(), testTenant, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), updated.RefundedCents)
}

func TestRefundRequiresSettledCharge(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok"+sandbox.SuffixDeclined)
	charge, err := f.svc.Charges.Create(context.Background(), testTenant, CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-7",
	})
	require.NoError(t, err)
	require.Equal(t, domain.ChargeFailed, charge.Status)

	_, err = f.svc.Refunds.Create(context.Background(), testTenant, CreateRefundInput{
		ChargeID:    charge.ID,
		AmountCents: 1000,
		ReferenceID: "r-44",
	})
	assert.Equal(t, domain.CodeChargeNotSettled, businessCode(t, err))
}

func TestApplyPaymentRejectsOverpayment(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)

	_, err := f.svc.Applications.Apply(context.Background(), testTenant, ApplyPaymentInput{
		InvoiceID:     inv.ID,
		AmountCents:   6000,
		Currency:      "USD",
		SourceEventID: "evt-over",
	})
	assert.Equal(t, domain.CodeAmountMismatch, businessCode(t, err))

	// Partial then the remainder settles; a currency mismatch never applies.
	_, err = f.svc.Applications.Apply(context.Background(), testTenant, ApplyPaymentInput{
		InvoiceID:     inv.ID,
		AmountCents:   3000,
		Currency:      "EUR",
		SourceEventID: "evt-eur",
	})
	assert.Equal(t, domain.CodeCurrencyMismatch, businessCode(t, err))

	first, err := f.svc.Applications.Apply(context.Background(), testTenant, ApplyPaymentInput{
		InvoiceID:     inv.ID,
		AmountCents:   3000,
		Currency:      "USD",
		SourceEventID: "evt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePartiallyPaid, first.Status)

	second, err := f.svc.Applications.Apply(context.Background(), testTenant, ApplyPaymentInput{
		InvoiceID:     inv.ID,
		AmountCents:   2000,
		Currency:      "USD",
		SourceEventID: "evt-2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, second.Status)
	assert.Len(t, f.bus.BySubject(events.SubjectInvoicePaid), 1)
}

func TestApplyPaymentReplayDoesNotDoubleApply(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)

	in := ApplyPaymentInput{InvoiceID: inv.ID, AmountCents: 3000, Currency: "USD", SourceEventID: "evt-1"}
	_, err := f.svc.Applications.Apply(context.Background(), testTenant, in)
	require.NoError(t, err)
	replayed, err := f.svc.Applications.Apply(context.Background(), testTenant, in)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), replayed.PaidCents)

	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), fresh.BalanceCents)

	// The replay must not produce a second allocation record either.
	apps, err := f.store.PaymentApplications().ListByInvoice(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "evt-1", apps[0].SourceEventID)
}

func TestApplyPaymentRecordsAllocations(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")
	inv := f.issuedInvoice(t, customer.ID, 5000)

	_, err := f.svc.Applications.Apply(context.Background(), testTenant, ApplyPaymentInput{
		InvoiceID:     inv.ID,
		AmountCents:   2000,
		Currency:      "USD",
		SourceEventID: "evt-wire",
		Description:   "wire transfer",
	})
	require.NoError(t, err)

	charge, err := f.svc.Charges.Create(context.Background(), testTenant, CreateChargeInput{
		CustomerID:  customer.ID,
		InvoiceID:   inv.ID,
		AmountCents: 3000,
		Currency:    "USD",
		ReferenceID: "order-9",
	})
	require.NoError(t, err)
	require.Equal(t, domain.ChargeSucceeded, charge.Status)

	apps, err := f.store.PaymentApplications().ListByInvoice(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	require.Len(t, apps, 2)

	byType := map[domain.AllocationType]domain.PaymentApplication{}
	for _, a := range apps {
		byType[a.AllocationType] = a
	}
	manual := byType[domain.AllocationManual]
	assert.Equal(t, int64(2000), manual.AllocatedCents)
	assert.Equal(t, domain.ApplicationApplied, manual.Status)
	assert.Equal(t, "evt-wire", manual.SourceEventID)
	assert.Empty(t, manual.ChargeID)

	auto := byType[domain.AllocationAuto]
	assert.Equal(t, int64(3000), auto.AllocatedCents)
	assert.Equal(t, domain.ApplicationApplied, auto.Status)
	assert.Equal(t, charge.ID, auto.ChargeID)
	assert.Equal(t, customer.ID, auto.CustomerID)

	// A settled invoice's allocations sum to its total.
	var allocated int64
	for _, a := range apps {
		allocated += a.AllocatedCents
	}
	settled, err := f.svc.Invoices.Get(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, settled.Status)
	assert.Equal(t, settled.TotalCents, allocated)
}

func TestVoidIssuedInvoiceReversesReceivable(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)

	voided, err := f.svc.Invoices.Void(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceVoided, voided.Status)

	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.BalanceCents)

	// Terminal: voiding again conflicts.
	_, err = f.svc.Invoices.Void(context.Background(), testTenant, inv.ID)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestWriteOffClearsOutstanding(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)

	written, err := f.svc.Invoices.WriteOff(context.Background(), testTenant, inv.ID, "uncollectible after dunning")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceWrittenOff, written.Status)

	fresh, err := f.svc.Customers.Get(context.Background(), testTenant, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.BalanceCents)
	assert.Len(t, f.bus.BySubject(events.SubjectInvoiceWrittenOff), 1)
}

func TestCreditMemoSettlesInvoice(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	inv := f.issuedInvoice(t, customer.ID, 5000)

	memo, err := f.svc.Invoices.CreditMemo(context.Background(), testTenant, inv.ID, CreditMemoInput{
		AmountCents: 5000,
		Reason:      "billing error",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), memo.AmountCents)

	settled, err := f.svc.Invoices.Get(context.Background(), testTenant, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, settled.Status)
	assert.Equal(t, int64(5000), settled.CreditedCents)

	_, err = f.svc.Invoices.CreditMemo(context.Background(), testTenant, inv.ID, CreditMemoInput{AmountCents: 100})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestSubscriptionCreateAndCancel(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")

	sub, err := f.svc.Subscriptions.Create(context.Background(), testTenant, CreateSubscriptionInput{
		CustomerID:  customer.ID,
		PlanCode:    "pro-monthly",
		AmountCents: 2900,
		Currency:    "USD",
		Interval:    "month",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.NotEmpty(t, sub.ProcessorSubscriptionID)

	periodEnd, err := f.svc.Subscriptions.Cancel(context.Background(), testTenant, sub.ID, true)
	require.NoError(t, err)
	assert.True(t, periodEnd.CancelAtPeriodEnd)
	assert.Equal(t, domain.SubscriptionActive, periodEnd.Status)

	immediate, err := f.svc.Subscriptions.Cancel(context.Background(), testTenant, sub.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionCanceled, immediate.Status)
	require.NotNil(t, immediate.CanceledAt)
}

func TestSubscriptionBillingFieldsImmutable(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")
	sub, err := f.svc.Subscriptions.Create(context.Background(), testTenant, CreateSubscriptionInput{
		CustomerID:  customer.ID,
		PlanCode:    "pro-monthly",
		AmountCents: 2900,
		Currency:    "USD",
		Interval:    "month",
	})
	require.NoError(t, err)

	newAmount := int64(9900)
	_, err = f.svc.Subscriptions.Update(context.Background(), testTenant, sub.ID, UpdateSubscriptionInput{
		AmountCents: &newAmount,
	})
	assert.Equal(t, domain.CodeUnsupportedField, businessCode(t, err))

	// Metadata stays mutable.
	updated, err := f.svc.Subscriptions.Update(context.Background(), testTenant, sub.ID, UpdateSubscriptionInput{
		Metadata: map[string]string{"seat_count": "12"},
	})
	require.NoError(t, err)
	assert.Equal(t, "12", updated.Metadata["seat_count"])
}

func TestTenantScopingHidesForeignRows(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	_, err := f.svc.Customers.Get(context.Background(), "other", customer.ID)
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}
