package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayments struct {
	attempt    *domain.PaymentAttempt
	replay     bool
	initErr    error
	entry      *domain.LedgerEntry
	verifyErr  error
	initCalls  int
	lastKey    string
	lastUser   int64
	lastAmount int64
}

func (f *fakePayments) Initialize(ctx context.Context, userID, amount int64, idempotencyKey string) (*domain.PaymentAttempt, bool, error) {
	f.initCalls++
	f.lastUser, f.lastAmount, f.lastKey = userID, amount, idempotencyKey
	return f.attempt, f.replay, f.initErr
}

func (f *fakePayments) Verify(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	return f.entry, f.verifyErr
}

type fakeReader struct {
	attempt *domain.PaymentAttempt
	balance *domain.Balance
	err     error
}

func (f *fakeReader) AttemptByID(ctx context.Context, id string) (*domain.PaymentAttempt, error) {
	return f.attempt, f.err
}

func (f *fakeReader) GetBalance(ctx context.Context, userID int64) (*domain.Balance, error) {
	return f.balance, f.err
}

type fakeProcessor struct {
	entry *domain.LedgerEntry
	err   error
	calls int
}

func (f *fakeProcessor) Process(ctx context.Context, body []byte, signature string) (*domain.LedgerEntry, error) {
	f.calls++
	return f.entry, f.err
}

type fakeLimiter struct {
	allow      bool
	identities []string
	endpoints  []string
}

func (f *fakeLimiter) Allow(ctx context.Context, identity, endpoint string, max int64, window time.Duration) bool {
	f.identities = append(f.identities, identity)
	f.endpoints = append(f.endpoints, endpoint)
	return f.allow
}

func testLimits() Limits {
	return Limits{Client: 5, Webhook: 10, Window: time.Minute}
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	r := mux.NewRouter()
	h.Routes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestInitializeCreated(t *testing.T) {
	payments := &fakePayments{attempt: &domain.PaymentAttempt{ID: uuid.NewString(), State: domain.StatePending}}
	h := NewHandler(payments, &fakeReader{}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	body, _ := json.Marshal(map[string]any{"user_id": 42, "amount": 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initialize", bytes.NewReader(body))
	key := uuid.NewString()
	req.Header.Set("Idempotency-Key", key)

	rr := serve(h, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, key, payments.lastKey)
	assert.Equal(t, int64(42), payments.lastUser)
}

func TestInitializeReplayReturnsOK(t *testing.T) {
	payments := &fakePayments{
		attempt: &domain.PaymentAttempt{ID: uuid.NewString(), State: domain.StateCompleted},
		replay:  true,
	}
	h := NewHandler(payments, &fakeReader{}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	body, _ := json.Marshal(map[string]any{"user_id": 42, "amount": 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initialize", bytes.NewReader(body))
	req.Header.Set("Idempotency-Key", uuid.NewString())

	rr := serve(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestInitializeMalformedIdempotencyKey(t *testing.T) {
	payments := &fakePayments{}
	h := NewHandler(payments, &fakeReader{}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	body, _ := json.Marshal(map[string]any{"user_id": 42, "amount": 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initialize", bytes.NewReader(body))
	req.Header.Set("Idempotency-Key", "not-a-uuid")

	rr := serve(h, req)

	// Rejected before any state is created.
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, payments.initCalls)
}

func TestInitializeValidation(t *testing.T) {
	payments := &fakePayments{}
	h := NewHandler(payments, &fakeReader{}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	for name, payload := range map[string]map[string]any{
		"zero amount":     {"user_id": 42, "amount": 0},
		"negative amount": {"user_id": 42, "amount": -5},
		"missing user":    {"amount": 1000},
	} {
		t.Run(name, func(t *testing.T) {
			body, _ := json.Marshal(payload)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initialize", bytes.NewReader(body))
			rr := serve(h, req)
			assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		})
	}
	assert.Zero(t, payments.initCalls)
}

func TestInitializeRateLimited(t *testing.T) {
	payments := &fakePayments{}
	limiter := &fakeLimiter{allow: false}
	h := NewHandler(payments, &fakeReader{}, &fakeProcessor{}, limiter, testLimits())

	body, _ := json.Marshal(map[string]any{"user_id": 42, "amount": 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initialize", bytes.NewReader(body))
	req.Header.Set("X-Client-ID", "client-a")

	rr := serve(h, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Zero(t, payments.initCalls)
	require.Len(t, limiter.identities, 1)
	assert.Equal(t, "client-a", limiter.identities[0])
	assert.Equal(t, "initialize", limiter.endpoints[0])
}

func TestInitializeConflictWhileInProgress(t *testing.T) {
	payments := &fakePayments{initErr: domain.ErrInProgress}
	h := NewHandler(payments, &fakeReader{}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	body, _ := json.Marshal(map[string]any{"user_id": 42, "amount": 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initialize", bytes.NewReader(body))
	req.Header.Set("Idempotency-Key", uuid.NewString())

	rr := serve(h, req)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestWebhookInvalidSignature(t *testing.T) {
	processor := &fakeProcessor{err: domain.Permanent("webhook.verify", "", domain.ErrInvalidSignature)}
	h := NewHandler(&fakePayments{}, &fakeReader{}, processor, &fakeLimiter{allow: true}, testLimits())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader([]byte(`{}`)))
	rr := serve(h, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebhookMalformedPayload(t *testing.T) {
	processor := &fakeProcessor{err: domain.Permanent("webhook.decode", "", domain.ErrMalformedPayload)}
	h := NewHandler(&fakePayments{}, &fakeReader{}, processor, &fakeLimiter{allow: true}, testLimits())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader([]byte(`{}`)))
	rr := serve(h, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookTransientFailure(t *testing.T) {
	processor := &fakeProcessor{err: domain.Transient("lock.acquire", "ref-001", domain.ErrLockNotAcquired)}
	h := NewHandler(&fakePayments{}, &fakeReader{}, processor, &fakeLimiter{allow: true}, testLimits())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader([]byte(`{}`)))
	rr := serve(h, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWebhookAcknowledged(t *testing.T) {
	processor := &fakeProcessor{entry: &domain.LedgerEntry{ID: 1, Reference: "ref-001", Amount: 1000}}
	limiter := &fakeLimiter{allow: true}
	h := NewHandler(&fakePayments{}, &fakeReader{}, processor, limiter, testLimits())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader([]byte(`{"reference":"ref-001"}`)))
	req.Header.Set("X-Provider-ID", "provider-a")
	rr := serve(h, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "acknowledged")
	// Webhooks are limited separately from client endpoints.
	require.Len(t, limiter.endpoints, 1)
	assert.Equal(t, "webhook", limiter.endpoints[0])
	assert.Equal(t, "provider-a", limiter.identities[0])
}

func TestWebhookRateLimited(t *testing.T) {
	processor := &fakeProcessor{}
	h := NewHandler(&fakePayments{}, &fakeReader{}, processor, &fakeLimiter{allow: false}, testLimits())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader([]byte(`{}`)))
	rr := serve(h, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Zero(t, processor.calls)
}

func TestVerifyTransientMapsToRetryLater(t *testing.T) {
	payments := &fakePayments{verifyErr: domain.Transient("lock.acquire", "ref-001", domain.ErrLockNotAcquired)}
	h := NewHandler(payments, &fakeReader{}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	body, _ := json.Marshal(map[string]any{"reference": "ref-001"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/verify", bytes.NewReader(body))
	rr := serve(h, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestVerifyNotFound(t *testing.T) {
	payments := &fakePayments{verifyErr: domain.ErrAttemptNotFound}
	h := NewHandler(payments, &fakeReader{}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	body, _ := json.Marshal(map[string]any{"reference": "no-such-ref"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/verify", bytes.NewReader(body))
	rr := serve(h, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetAttempt(t *testing.T) {
	attempt := &domain.PaymentAttempt{ID: uuid.NewString(), Reference: "ref-001", State: domain.StateCompleted}
	h := NewHandler(&fakePayments{}, &fakeReader{attempt: attempt}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+attempt.ID, nil)
	rr := serve(h, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ref-001")
}

func TestGetAttemptNotFound(t *testing.T) {
	h := NewHandler(&fakePayments{}, &fakeReader{err: domain.ErrAttemptNotFound}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+uuid.NewString(), nil)
	rr := serve(h, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetBalance(t *testing.T) {
	h := NewHandler(&fakePayments{}, &fakeReader{balance: &domain.Balance{UserID: 42, Amount: 1000}}, &fakeProcessor{}, &fakeLimiter{allow: true}, testLimits())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balances/42", nil)
	rr := serve(h, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var b domain.Balance
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	assert.Equal(t, int64(1000), b.Amount)
}
