package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/storage/storetest"
)

// scriptedProcessor fails every delivery until the remaining budget hits
// zero, then succeeds.
type scriptedProcessor struct {
	failures int
	calls    []string
}

func (p *scriptedProcessor) Process(ctx context.Context, event *domain.WebhookEvent) error {
	p.calls = append(p.calls, event.EventID)
	if p.failures > 0 {
		p.failures--
		return errors.New("handler still failing")
	}
	return nil
}

func seedFailedWebhook(t *testing.T, store *storetest.Store, eventID string, attempts int, due time.Time) *domain.WebhookEvent {
	t.Helper()
	event := &domain.WebhookEvent{
		ID:            domain.NewID(domain.PrefixWebhook),
		TenantID:      testTenant,
		EventID:       eventID,
		Type:          "payments.payment.succeeded",
		Payload:       []byte(`{"id":"` + eventID + `"}`),
		Status:        domain.WebhookFailed,
		FailureReason: domain.WebhookReasonHandlerError,
		Attempts:      attempts,
		NextAttemptAt: &due,
		ReceivedAt:    testTime.Add(-time.Hour),
	}
	require.NoError(t, store.WebhookEvents().Insert(context.Background(), event))
	return event
}

func newEngine(store *storetest.Store, proc WebhookProcessor, bus *events.MemoryBus) *WebhookEngine {
	return &WebhookEngine{
		Store:     store,
		Processor: proc,
		Publisher: bus,
		Logger:    zap.NewNop(),
		Now:       func() time.Time { return testTime },
	}
}

func TestWebhookEngineRedeliversDueEvent(t *testing.T) {
	store := storetest.New()
	proc := &scriptedProcessor{}
	engine := newEngine(store, proc, events.NewMemoryBus())
	seeded := seedFailedWebhook(t, store, "evt_1", 1, testTime.Add(-time.Minute))

	require.NoError(t, engine.Run(context.Background()))

	assert.Equal(t, []string{"evt_1"}, proc.calls)
	event, err := store.WebhookEvents().Get(context.Background(), testTenant, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, event.Status)
	assert.Equal(t, 2, event.Attempts)
	assert.Nil(t, event.NextAttemptAt)
	require.NotNil(t, event.ProcessedAt)
}

func TestWebhookEngineReschedulesOnFailure(t *testing.T) {
	store := storetest.New()
	proc := &scriptedProcessor{failures: 10}
	engine := newEngine(store, proc, events.NewMemoryBus())
	seeded := seedFailedWebhook(t, store, "evt_1", 1, testTime.Add(-time.Minute))

	require.NoError(t, engine.Run(context.Background()))

	event, err := store.WebhookEvents().Get(context.Background(), testTenant, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookFailed, event.Status)
	assert.Equal(t, 2, event.Attempts)
	assert.False(t, event.Dead())
	require.NotNil(t, event.NextAttemptAt)
	// Second rung of the default ladder, within jitter.
	gap := event.NextAttemptAt.Sub(testTime)
	assert.GreaterOrEqual(t, gap, time.Duration(float64(5*time.Minute)*(1-jitterFraction)))
	assert.LessOrEqual(t, gap, time.Duration(float64(5*time.Minute)*(1+jitterFraction)))
}

func TestWebhookEngineDeadLettersAfterBudget(t *testing.T) {
	store := storetest.New()
	proc := &scriptedProcessor{failures: 10}
	bus := events.NewMemoryBus()
	engine := newEngine(store, proc, bus)
	seeded := seedFailedWebhook(t, store, "evt_1", DefaultMaxAttempts-1, testTime.Add(-time.Minute))

	require.NoError(t, engine.Run(context.Background()))

	event, err := store.WebhookEvents().Get(context.Background(), testTenant, seeded.ID)
	require.NoError(t, err)
	assert.True(t, event.Dead())
	assert.Equal(t, DefaultMaxAttempts, event.Attempts)
	assert.Nil(t, event.NextAttemptAt)
	assert.False(t, event.Retryable())

	published := bus.BySubject(events.SubjectWebhookDeadLettered)
	require.Len(t, published, 1)
	assert.Equal(t, testTenant, published[0].Envelope.TenantID)
}

func TestWebhookEngineNeverRetriesInvalidSignature(t *testing.T) {
	store := storetest.New()
	proc := &scriptedProcessor{}
	engine := newEngine(store, proc, events.NewMemoryBus())
	event := seedFailedWebhook(t, store, "evt_1", 1, testTime.Add(-time.Minute))
	event.FailureReason = domain.WebhookReasonInvalidSignature
	require.NoError(t, store.WebhookEvents().Update(context.Background(), event))

	require.NoError(t, engine.Run(context.Background()))

	assert.Empty(t, proc.calls)
}

func TestWebhookEngineProcessesTenantsInOrder(t *testing.T) {
	store := storetest.New()
	proc := &scriptedProcessor{}
	engine := newEngine(store, proc, events.NewMemoryBus())

	due := testTime.Add(-time.Minute)
	for _, seed := range []struct{ tenant, eventID string }{
		{"zenith", "evt_z"},
		{"acme", "evt_a"},
	} {
		require.NoError(t, store.WebhookEvents().Insert(context.Background(), &domain.WebhookEvent{
			ID:            domain.NewID(domain.PrefixWebhook),
			TenantID:      seed.tenant,
			EventID:       seed.eventID,
			Type:          "payments.payment.succeeded",
			Payload:       []byte(`{}`),
			Status:        domain.WebhookFailed,
			FailureReason: domain.WebhookReasonHandlerError,
			Attempts:      1,
			NextAttemptAt: &due,
			ReceivedAt:    testTime.Add(-time.Hour),
		}))
	}

	require.NoError(t, engine.Run(context.Background()))
	assert.Equal(t, []string{"evt_a", "evt_z"}, proc.calls)
}

func TestReviveDeadLetteredEvent(t *testing.T) {
	store := storetest.New()
	proc := &scriptedProcessor{}
	engine := newEngine(store, proc, events.NewMemoryBus())
	event := seedFailedWebhook(t, store, "evt_1", DefaultMaxAttempts, testTime.Add(-time.Hour))
	dead := testTime.Add(-time.Hour)
	event.DeadAt = &dead
	event.NextAttemptAt = nil
	require.NoError(t, store.WebhookEvents().Update(context.Background(), event))

	revived, err := engine.Revive(context.Background(), testTenant, event.ID, "ops@example.com")
	require.NoError(t, err)
	assert.False(t, revived.Dead())
	require.NotNil(t, revived.NextAttemptAt)
	assert.Equal(t, testTime, *revived.NextAttemptAt)
	assert.True(t, revived.Retryable())

	// The operator identity survives on the stored row.
	stored, err := store.WebhookEvents().Get(context.Background(), testTenant, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", stored.RevivedBy)
	require.NotNil(t, stored.RevivedAt)
	assert.Equal(t, testTime, *stored.RevivedAt)

	// Reviving a live event is a conflict.
	_, err = engine.Revive(context.Background(), testTenant, event.ID, "ops@example.com")
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}
