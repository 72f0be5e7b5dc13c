package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/storage/storetest"
)

func TestRequestHashKeyOrderInsensitive(t *testing.T) {
	a := RequestHash("POST", "/charges", []byte(`{"amount_cents":9900,"reference_id":"r-1"}`))
	b := RequestHash("POST", "/charges", []byte(`{ "reference_id": "r-1", "amount_cents": 9900 }`))
	require.Equal(t, a, b)

	c := RequestHash("POST", "/charges", []byte(`{"amount_cents":9901,"reference_id":"r-1"}`))
	require.NotEqual(t, a, c)
}

func TestRequestHashNestedAndArrays(t *testing.T) {
	a := RequestHash("POST", "/invoices", []byte(`{"lines":[{"qty":2,"desc":"x"}],"tax_cents":0}`))
	b := RequestHash("POST", "/invoices", []byte(`{"tax_cents":0,"lines":[{"desc":"x","qty":2}]}`))
	require.Equal(t, a, b)

	// Array order is significant.
	c := RequestHash("POST", "/invoices", []byte(`{"tax_cents":0,"lines":[{"desc":"y","qty":2}]}`))
	require.NotEqual(t, a, c)
}

func TestRequestHashDistinguishesMethodAndPath(t *testing.T) {
	body := []byte(`{"a":1}`)
	require.NotEqual(t,
		RequestHash("POST", "/charges", body),
		RequestHash("POST", "/refunds", body))
	require.NotEqual(t,
		RequestHash("POST", "/charges", body),
		RequestHash("PUT", "/charges", body))
}

func newRegistry(t *testing.T) (*Registry, *storetest.Store) {
	t.Helper()
	store := storetest.New()
	return NewRegistry(store, nil, zap.NewNop(), time.Hour), store
}

func TestBeginCompleteReplay(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	hash := RequestHash("POST", "/charges", []byte(`{"reference_id":"r-1"}`))

	first, err := reg.Begin(ctx, "acme", "key-1", hash)
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, first.Outcome)

	// A duplicate while the handler is still running is reported in-flight.
	dup, err := reg.Begin(ctx, "acme", "key-1", hash)
	require.NoError(t, err)
	require.Equal(t, OutcomeInFlight, dup.Outcome)

	require.NoError(t, reg.Complete(ctx, "acme", "key-1", hash, 201, []byte(`{"id":"ch_1"}`)))

	replay, err := reg.Begin(ctx, "acme", "key-1", hash)
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, replay.Outcome)
	require.Equal(t, 201, replay.Status)
	require.Equal(t, []byte(`{"id":"ch_1"}`), replay.Body)
}

func TestBeginHashMismatchIsConflict(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	hash := RequestHash("POST", "/charges", []byte(`{"reference_id":"r-1"}`))

	_, err := reg.Begin(ctx, "acme", "key-1", hash)
	require.NoError(t, err)
	require.NoError(t, reg.Complete(ctx, "acme", "key-1", hash, 201, []byte(`{}`)))

	other := RequestHash("POST", "/charges", []byte(`{"reference_id":"r-2"}`))
	res, err := reg.Begin(ctx, "acme", "key-1", other)
	require.NoError(t, err)
	require.Equal(t, OutcomeMismatch, res.Outcome)
}

func TestKeysAreTenantScoped(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	hash := RequestHash("POST", "/charges", []byte(`{"reference_id":"r-1"}`))

	_, err := reg.Begin(ctx, "acme", "key-1", hash)
	require.NoError(t, err)

	// The same key under another tenant is fresh.
	res, err := reg.Begin(ctx, "globex", "key-1", hash)
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, res.Outcome)
}

func TestAbandonFreesTheKey(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	hash := RequestHash("POST", "/refunds", []byte(`{"reference_id":"r-42"}`))

	_, err := reg.Begin(ctx, "acme", "key-9", hash)
	require.NoError(t, err)
	require.NoError(t, reg.Abandon(ctx, "acme", "key-9"))

	res, err := reg.Begin(ctx, "acme", "key-9", hash)
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, res.Outcome)
}

func TestExpiredRecordIsReclaimed(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	hash := RequestHash("POST", "/charges", []byte(`{"reference_id":"r-1"}`))

	_, err := reg.Begin(ctx, "acme", "key-1", hash)
	require.NoError(t, err)
	require.NoError(t, reg.Complete(ctx, "acme", "key-1", hash, 201, []byte(`{}`)))

	// Jump the registry clock past the TTL.
	reg.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	res, err := reg.Begin(ctx, "acme", "key-1", hash)
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, res.Outcome)
}

func TestSweepExpired(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	hash := RequestHash("POST", "/charges", nil)

	_, err := reg.Begin(ctx, "acme", "key-1", hash)
	require.NoError(t, err)
	require.NoError(t, reg.Complete(ctx, "acme", "key-1", hash, 200, nil))

	reg.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	n, err := reg.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
