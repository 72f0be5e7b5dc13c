package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("acme", map[string]int64{"amount_cents": 9900})
	require.NoError(t, err)

	_, err = uuid.Parse(env.EventID)
	require.NoError(t, err, "event_id must be a UUID")
	require.Equal(t, "acme", env.TenantID)
	require.Equal(t, SourceModule, env.SourceModule)
	require.Equal(t, SourceVersion, env.SourceVersion)
	require.Equal(t, 1, env.PayloadVersion)
	require.False(t, env.OccurredAt.IsZero())
	require.Equal(t, "UTC", env.OccurredAt.Location().String())

	var payload map[string]int64
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, int64(9900), payload["amount_cents"])
}

func TestEnvelopeCorrelation(t *testing.T) {
	env, err := NewEnvelope("acme", struct{}{})
	require.NoError(t, err)
	env = env.WithCorrelation("corr-1", "cause-1")
	require.Equal(t, "corr-1", env.CorrelationID)
	require.Equal(t, "cause-1", env.CausationID)
}

func TestMemoryBusDispatch(t *testing.T) {
	bus := NewMemoryBus()
	var seen []string
	err := bus.Subscribe("q", []string{SubjectGLPostingAccepted}, func(ctx context.Context, subject string, env Envelope) error {
		seen = append(seen, env.EventID)
		return nil
	})
	require.NoError(t, err)

	env, err := NewEnvelope("acme", struct{}{})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), SubjectGLPostingAccepted, env))

	// Unsubscribed subjects are recorded but not dispatched.
	other, err := NewEnvelope("acme", struct{}{})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), SubjectGLPostingRequested, other))

	require.Equal(t, []string{env.EventID}, seen)
	require.Len(t, bus.Events(), 2)
	require.Len(t, bus.BySubject(SubjectGLPostingRequested), 1)
}
