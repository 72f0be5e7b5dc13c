package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/idempotency"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/processor/sandbox"
	"github.com/ledgerline/arcd/internal/retry"
	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
	"github.com/ledgerline/arcd/internal/storage/storetest"
	"github.com/ledgerline/arcd/internal/webhook"
)

const (
	testTenant  = "acme"
	testAPIKey  = "key-acme"
	otherAPIKey = "key-zenith"
	testAppID   = "app-acme"
	testSecret  = "whsec"
)

var testTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router *gin.Engine
	svc    *services.Services
	store  *storetest.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storetest.New()
	proc := sandbox.New()
	factory := sandbox.NewFactory(proc, map[string]processor.Credentials{
		testTenant: {SecretKey: "sk_test", AccountID: "acct_acme", WebhookSecret: testSecret},
		"zenith":   {SecretKey: "sk_test2", AccountID: "acct_zenith", WebhookSecret: "whsec2"},
	}, 5*time.Minute)
	poster := ledger.NewPoster(store)
	gl := glpost.NewBuilder(glpost.NewStaticResolver(nil))
	bus := events.NewMemoryBus()
	now := func() time.Time { return testTime }

	svc := services.New(services.Deps{
		Store:      store,
		Poster:     poster,
		GL:         gl,
		Processors: factory,
		Publisher:  bus,
		Logger:     zap.NewNop(),
		Now:        now,
	})
	ingestor := &webhook.Ingestor{
		Store:   store,
		Clients: factory,
		Handlers: &webhook.Handlers{
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
	engine := &retry.WebhookEngine{
		Store:     store,
		Processor: ingestor,
		Publisher: bus,
		Logger:    zap.NewNop(),
		Now:       now,
	}
	srv := New(Deps{
		Services:    svc,
		Ingestor:    ingestor,
		Retries:     engine,
		Store:       store,
		Idempotency: idempotency.NewRegistry(store, nil, zap.NewNop(), 0),
		Auth: func(key string) (string, bool) {
			switch key {
			case testAPIKey:
				return testTenant, true
			case otherAPIKey:
				return "zenith", true
			}
			return "", false
		},
		Apps: func(appID string) (string, bool) {
			if appID == testAppID {
				return testTenant, true
			}
			return "", false
		},
		Logger: zap.NewNop(),
		Now:    now,
	})
	return &fixture{router: srv.Router(), svc: svc, store: store}
}

type callOpt func(*http.Request)

func withKey(key string) callOpt {
	return func(r *http.Request) { r.Header.Set(headerAPIKey, key) }
}

func withIdempotencyKey(key string) callOpt {
	return func(r *http.Request) { r.Header.Set(headerIdempotencyKey, key) }
}

func withHeader(name, value string) callOpt {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

// call performs one request against the router. A nil body sends no payload;
// anything else is marshalled as JSON. The API key defaults to the acme
// tenant unless an option overrides it.
func (f *fixture) call(t *testing.T, method, path string, body any, opts ...callOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, testAPIKey)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (f *fixture) createCustomer(t *testing.T) domain.Customer {
	t.Helper()
	rec := f.call(t, http.MethodPost, "/customers", services.CreateCustomerInput{
		ExternalID: "ext-1",
		Email:      "billing@example.com",
		Name:       "Example Inc",
		Currency:   "USD",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Customer](t, rec)
}

func (f *fixture) attachMethod(t *testing.T, customerID, token string) domain.PaymentMethod {
	t.Helper()
	rec := f.call(t, http.MethodPost, "/payment-methods", services.AttachInput{
		CustomerID: customerID,
		Token:      token,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.PaymentMethod](t, rec)
}

func TestAuthRejectsMissingAndUnknownKeys(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/customers", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.call(t, http.MethodGet, "/customers", nil, withKey("key-bogus"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCustomerLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	rec := f.call(t, http.MethodGet, "/customers/"+customer.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ext-1", decode[domain.Customer](t, rec).ExternalID)

	newName := "Example Holdings"
	rec = f.call(t, http.MethodPut, "/customers/"+customer.ID, services.UpdateCustomerInput{Name: &newName})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, newName, decode[domain.Customer](t, rec).Name)

	rec = f.call(t, http.MethodDelete, "/customers/"+customer.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTenantIsolationHidesForeignCustomers(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	// The other tenant's key sees neither the row nor its existence.
	rec := f.call(t, http.MethodGet, "/customers/"+customer.ID, nil, withKey(otherAPIKey))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.call(t, http.MethodGet, "/customers", nil, withKey(otherAPIKey))
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[map[string][]domain.Customer](t, rec)
	assert.Empty(t, listing["customers"])
}

func TestPCIGuardRejectsRawCardData(t *testing.T) {
	f := newFixture(t)

	rec := f.call(t, http.MethodPost, "/customers", map[string]any{
		"external_id": "ext-9",
		"currency":    "USD",
		"metadata":    map[string]string{"card_number": "4111111111111111"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Contains(t, body.Error, "card")
}

func TestBusinessRuleErrorsCarryCode(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	rec := f.call(t, http.MethodPost, "/invoices", services.CreateInvoiceInput{
		CustomerID: customer.ID,
		Currency:   "USD",
		Lines:      []services.LineItemInput{{Description: "svc", Quantity: 1, UnitAmountCents: 5000}},
		DueAt:      testTime.Add(30 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	invoice := decode[domain.Invoice](t, rec)

	// Paying a draft violates the issued-first rule.
	rec = f.call(t, http.MethodPost, "/invoices/"+invoice.ID+"/apply-payment", services.ApplyPaymentInput{
		AmountCents:   5000,
		Currency:      "USD",
		SourceEventID: "src-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, domain.CodeInvoiceNotIssued, decode[errorBody](t, rec).Code)
}

func TestChargeRequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	rec := f.call(t, http.MethodPost, "/charges", services.CreateChargeInput{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Error, "Idempotency-Key")
}

func TestChargeReplaySameKeyReturnsStoredResponse(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")

	in := services.CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-1",
	}
	first := f.call(t, http.MethodPost, "/charges", in, withIdempotencyKey("idem-1"))
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	replay := f.call(t, http.MethodPost, "/charges", in, withIdempotencyKey("idem-1"))
	assert.Equal(t, first.Code, replay.Code)
	assert.Equal(t, first.Body.Bytes(), replay.Body.Bytes())

	// Only one charge exists despite two deliveries.
	charges, err := f.store.Charges().List(context.Background(), testTenant, storage.ListOptions{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, charges, 1)
}

func TestChargeKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok_4242")

	in := services.CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-1",
	}
	first := f.call(t, http.MethodPost, "/charges", in, withIdempotencyKey("idem-1"))
	require.Equal(t, http.StatusCreated, first.Code)

	in.AmountCents = 9900
	rec := f.call(t, http.MethodPost, "/charges", in, withIdempotencyKey("idem-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeclinedChargeReplaysDecline(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)
	f.attachMethod(t, customer.ID, "tok"+sandbox.SuffixDeclined)

	in := services.CreateChargeInput{
		CustomerID:  customer.ID,
		AmountCents: 5000,
		Currency:    "USD",
		ReferenceID: "order-1",
	}
	first := f.call(t, http.MethodPost, "/charges", in, withIdempotencyKey("idem-1"))
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	charge := decode[domain.Charge](t, first)
	assert.Equal(t, domain.ChargeFailed, charge.Status)
	assert.Equal(t, "card_declined", charge.FailureCode)

	// The decline is a stored outcome; the retry replays it instead of
	// charging again.
	replay := f.call(t, http.MethodPost, "/charges", in, withIdempotencyKey("idem-1"))
	assert.Equal(t, first.Body.Bytes(), replay.Body.Bytes())
}

func TestWebhookEndpointAcceptsSignedDelivery(t *testing.T) {
	f := newFixture(t)

	raw, err := json.Marshal(map[string]any{"charge_id": "pch_unknown", "amount_cents": 1000, "currency": "USD"})
	require.NoError(t, err)
	body, err := json.Marshal(webhook.Event{ID: "evt_1", Type: webhook.TypePaymentSucceeded, CreatedAt: testTime, Data: raw})
	require.NoError(t, err)
	sig := processor.SignPayload(body, testSecret, testTime)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+testAppID, bytes.NewReader(body))
	req.Header.Set(headerSignature, sig)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[webhook.Result](t, rec)
	assert.True(t, res.Received)
	assert.False(t, res.Duplicate)

	// Second delivery of the same event id dedupes.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/"+testAppID, bytes.NewReader(body))
	req.Header.Set(headerSignature, sig)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decode[webhook.Result](t, rec)
	assert.True(t, dup.Received)
	assert.True(t, dup.Duplicate)
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"id":"evt_2","type":"payment.succeeded","data":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+testAppID, bytes.NewReader(body))
	req.Header.Set(headerSignature, "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookEndpointUnknownApp(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/app-bogus", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviveRequiresOperator(t *testing.T) {
	f := newFixture(t)

	rec := f.call(t, http.MethodPost, "/admin/webhooks/wh_1/revive", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.call(t, http.MethodPost, "/admin/webhooks/wh_1/revive", map[string]string{"revived_by": "ops@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportsEndpoints(t *testing.T) {
	f := newFixture(t)
	customer := f.createCustomer(t)

	rec := f.call(t, http.MethodPost, "/invoices", services.CreateInvoiceInput{
		CustomerID: customer.ID,
		Currency:   "USD",
		Lines:      []services.LineItemInput{{Description: "svc", Quantity: 1, UnitAmountCents: 7000}},
		DueAt:      testTime.Add(-24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	invoice := decode[domain.Invoice](t, rec)
	rec = f.call(t, http.MethodPost, fmt.Sprintf("/invoices/%s/issue", invoice.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.call(t, http.MethodGet, "/reports/open-invoices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	open := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, string(open["open_invoices"]), invoice.ID)

	// Rows carry both cent amounts and decimal display strings.
	var entries map[string][]openInvoiceEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries["open_invoices"], 1)
	row := entries["open_invoices"][0]
	assert.Equal(t, int64(7000), row.OutstandingCents)
	assert.Equal(t, "70.00 USD", row.Outstanding)
	assert.Equal(t, "70.00 USD", row.Total)

	rec = f.call(t, http.MethodGet, "/reports/aging-summary", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":"70.00 USD"`)

	rec = f.call(t, http.MethodGet, "/reports/delinquent-customers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.call(t, http.MethodGet, "/reports/gl-reconciliation-queue", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCorrelationIDEchoed(t *testing.T) {
	f := newFixture(t)

	rec := f.call(t, http.MethodGet, "/healthz", nil, withHeader(headerCorrelationID, "corr-42"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "corr-42", rec.Header().Get(headerCorrelationID))
}
