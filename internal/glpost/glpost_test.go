package glpost

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/storage/storetest"
)

func intentFor(amount int64) Intent {
	return Intent{
		Trigger:        TriggerPaymentApplied,
		PostingEventID: "pay_evt_1",
		SourceType:     "payment",
		SourceID:       "ch_1",
		AmountCents:    amount,
		Currency:       "USD",
	}
}

func TestBuildBalancedIntent(t *testing.T) {
	b := NewBuilder(NewStaticResolver(nil))
	posting, err := b.Build("acme", intentFor(9900))
	require.NoError(t, err)
	require.True(t, posting.Balanced())
	require.Len(t, posting.Lines, 2)
	require.Equal(t, AccountCash, posting.Lines[0].AccountCode)
	require.Equal(t, int64(9900), posting.Lines[0].DebitCents)
	require.Equal(t, AccountReceivable, posting.Lines[1].AccountCode)
	require.Equal(t, int64(9900), posting.Lines[1].CreditCents)
	require.Equal(t, domain.GLPostingPending, posting.Status)
}

func TestBuildRejectsNonPositiveAmount(t *testing.T) {
	b := NewBuilder(NewStaticResolver(nil))
	_, err := b.Build("acme", intentFor(0))
	require.Error(t, err)
	_, err = b.Build("acme", intentFor(-100))
	require.Error(t, err)
}

func TestDefaultAccountTable(t *testing.T) {
	m := DefaultAccounts()
	cases := []struct {
		trigger Trigger
		debit   string
		credit  string
	}{
		{TriggerInvoiceIssued, AccountReceivable, AccountRevenue},
		{TriggerPaymentApplied, AccountCash, AccountReceivable},
		{TriggerCreditIssued, AccountSalesReturns, AccountReceivable},
		{TriggerWriteOff, AccountBadDebt, AccountReceivable},
		{TriggerRefundRecorded, AccountSalesReturns, AccountCash},
		{TriggerDisputeLost, AccountDisputeLoss, AccountReceivable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.debit, m[tc.trigger].Debit, string(tc.trigger))
		require.Equal(t, tc.credit, m[tc.trigger].Credit, string(tc.trigger))
	}
}

func TestTenantAccountOverrides(t *testing.T) {
	r := NewStaticResolver(map[string]AccountMap{
		"acme": {TriggerPaymentApplied: {Debit: "1001", Credit: "1201"}},
	})
	acme := r.AccountsFor("acme")
	require.Equal(t, "1001", acme[TriggerPaymentApplied].Debit)
	// Untouched triggers keep defaults.
	require.Equal(t, AccountReceivable, acme[TriggerInvoiceIssued].Debit)
	// Other tenants see pure defaults.
	require.Equal(t, AccountCash, r.AccountsFor("globex")[TriggerPaymentApplied].Debit)
}

func TestEnqueueIdempotentOnPostingEventID(t *testing.T) {
	store := storetest.New()
	b := NewBuilder(NewStaticResolver(nil))
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, store, "acme", intentFor(9900)))
	require.NoError(t, b.Enqueue(ctx, store, "acme", intentFor(9900)))

	due, err := store.GLPostings().ListDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestPublishDueEmitsBalancedEnvelopes(t *testing.T) {
	store := storetest.New()
	bus := events.NewMemoryBus()
	b := NewBuilder(NewStaticResolver(nil))
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, store, "acme", intentFor(9900)))

	emitter := NewEmitter(store, bus, zap.NewNop())
	n, err := emitter.PublishDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recorded := bus.BySubject(events.SubjectGLPostingRequested)
	require.Len(t, recorded, 1)

	var payload RequestedPayload
	require.NoError(t, json.Unmarshal(recorded[0].Envelope.Payload, &payload))
	require.Equal(t, "pay_evt_1", payload.PostingEventID)
	var debits, credits int64
	for _, l := range payload.Lines {
		debits += l.DebitCents
		credits += l.CreditCents
	}
	require.Equal(t, debits, credits)

	// The posting is still pending but scheduled for republish, not due now.
	posting, err := store.GLPostings().GetByPostingEventID(ctx, "acme", "pay_evt_1")
	require.NoError(t, err)
	require.Equal(t, domain.GLPostingPending, posting.Status)
	require.NotNil(t, posting.PublishedAt)
	require.Equal(t, 1, posting.Attempts)

	due, err := store.GLPostings().ListDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(ctx context.Context, subject string, env events.Envelope) error {
	f.calls++
	return errors.New("broker unavailable")
}
func (f *failingPublisher) Close() error { return nil }

func TestPublishFailureRetriesOnceThenBacksOff(t *testing.T) {
	store := storetest.New()
	pub := &failingPublisher{}
	b := NewBuilder(NewStaticResolver(nil))
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, store, "acme", intentFor(9900)))

	emitter := NewEmitter(store, pub, zap.NewNop())
	n, err := emitter.PublishDue(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 2, pub.calls, "one immediate retry after the failure")

	posting, err := store.GLPostings().GetByPostingEventID(ctx, "acme", "pay_evt_1")
	require.NoError(t, err)
	require.Nil(t, posting.PublishedAt)
	require.NotNil(t, posting.NextAttemptAt)
	require.True(t, posting.NextAttemptAt.After(time.Now().Add(4*time.Minute)))
}

func outcomeEnvelope(t *testing.T, tenant, postingEventID, code, reason string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(tenant, OutcomePayload{
		PostingEventID: postingEventID,
		Code:           code,
		Reason:         reason,
	})
	require.NoError(t, err)
	return env
}

func TestOutcomeAccepted(t *testing.T) {
	store := storetest.New()
	b := NewBuilder(NewStaticResolver(nil))
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, store, "acme", intentFor(9900)))

	c := NewOutcomeConsumer(store, zap.NewNop())
	env := outcomeEnvelope(t, "acme", "pay_evt_1", "", "")
	require.NoError(t, c.Handle(ctx, events.SubjectGLPostingAccepted, env))

	posting, err := store.GLPostings().GetByPostingEventID(ctx, "acme", "pay_evt_1")
	require.NoError(t, err)
	require.Equal(t, domain.GLPostingAccepted, posting.Status)
	require.NotNil(t, posting.ResolvedAt)
}

func TestOutcomeTerminalRejectionParks(t *testing.T) {
	store := storetest.New()
	b := NewBuilder(NewStaticResolver(nil))
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, store, "acme", intentFor(9900)))

	c := NewOutcomeConsumer(store, zap.NewNop())
	env := outcomeEnvelope(t, "acme", "pay_evt_1", domain.GLRejectUnbalanced, "entry does not balance")
	require.NoError(t, c.Handle(ctx, events.SubjectGLPostingRejected, env))

	posting, err := store.GLPostings().GetByPostingEventID(ctx, "acme", "pay_evt_1")
	require.NoError(t, err)
	require.Equal(t, domain.GLPostingRejected, posting.Status)
	require.Equal(t, domain.GLRejectUnbalanced, posting.RejectCode)
	require.Nil(t, posting.NextAttemptAt)

	// Rejected postings never reappear in the publish queue.
	due, err := store.GLPostings().ListDue(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestOutcomeTransientRejectionReschedules(t *testing.T) {
	store := storetest.New()
	b := NewBuilder(NewStaticResolver(nil))
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, store, "acme", intentFor(9900)))

	c := NewOutcomeConsumer(store, zap.NewNop())
	env := outcomeEnvelope(t, "acme", "pay_evt_1", "GL_UNAVAILABLE", "try later")
	require.NoError(t, c.Handle(ctx, events.SubjectGLPostingRejected, env))

	posting, err := store.GLPostings().GetByPostingEventID(ctx, "acme", "pay_evt_1")
	require.NoError(t, err)
	require.Equal(t, domain.GLPostingPending, posting.Status)
	require.NotNil(t, posting.NextAttemptAt)
}

func TestOutcomeUnknownPostingIsAcked(t *testing.T) {
	store := storetest.New()
	c := NewOutcomeConsumer(store, zap.NewNop())
	env := outcomeEnvelope(t, "acme", "missing", "", "")
	require.NoError(t, c.Handle(context.Background(), events.SubjectGLPostingAccepted, env))
}
