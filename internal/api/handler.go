package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/webhook"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payflow_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Payments is the orchestration surface the handlers call.
type Payments interface {
	Initialize(ctx context.Context, userID, amount int64, idempotencyKey string) (*domain.PaymentAttempt, bool, error)
	Verify(ctx context.Context, reference string) (*domain.LedgerEntry, error)
}

// Reader serves the read endpoints straight from the store.
type Reader interface {
	AttemptByID(ctx context.Context, id string) (*domain.PaymentAttempt, error)
	GetBalance(ctx context.Context, userID int64) (*domain.Balance, error)
}

// WebhookProcessor runs the provider-notification pipeline.
type WebhookProcessor interface {
	Process(ctx context.Context, body []byte, signature string) (*domain.LedgerEntry, error)
}

// RateLimiter guards the payment entry points.
type RateLimiter interface {
	Allow(ctx context.Context, identity, endpoint string, max int64, window time.Duration) bool
}

// Limits are the per-window request ceilings.
type Limits struct {
	Client  int64
	Webhook int64
	Window  time.Duration
}

type Handler struct {
	payments  Payments
	reader    Reader
	processor WebhookProcessor
	limiter   RateLimiter
	limits    Limits
}

func NewHandler(payments Payments, reader Reader, processor WebhookProcessor, limiter RateLimiter, limits Limits) *Handler {
	return &Handler{payments: payments, reader: reader, processor: processor, limiter: limiter, limits: limits}
}

// Routes mounts all payment endpoints on the router.
func (h *Handler) Routes(r *mux.Router) {
	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payments/initialize", h.InitializePayment).Methods("POST")
	apiV1.HandleFunc("/payments/verify", h.VerifyPayment).Methods("POST")
	apiV1.HandleFunc("/payments/webhook", h.Webhook).Methods("POST")
	apiV1.HandleFunc("/payments/{id}", h.GetAttempt).Methods("GET")
	apiV1.HandleFunc("/balances/{userID}", h.GetBalance).Methods("GET")
}

type initializeRequest struct {
	UserID int64 `json:"user_id"`
	Amount int64 `json:"amount"`
}

func (h *Handler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/payments/initialize"))
	defer timer.ObserveDuration()

	if !h.limiter.Allow(r.Context(), clientIdentity(r), "initialize", h.limits.Client, h.limits.Window) {
		h.respondError(w, http.StatusTooManyRequests, "Rate limit exceeded", "POST", "/payments/initialize")
		return
	}

	// A malformed key is rejected before any state is created.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if _, err := uuid.Parse(idemKey); err != nil {
			h.respondError(w, http.StatusBadRequest, "Idempotency-Key must be a valid UUID", "POST", "/payments/initialize")
			return
		}
	}

	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/payments/initialize")
		return
	}
	if req.Amount <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount must be positive", "POST", "/payments/initialize")
		return
	}
	if req.UserID == 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "user_id is required", "POST", "/payments/initialize")
		return
	}

	attempt, replay, err := h.payments.Initialize(r.Context(), req.UserID, req.Amount, idemKey)
	if err != nil {
		if errors.Is(err, domain.ErrInProgress) {
			h.respondError(w, http.StatusConflict, "Request processing in progress", "POST", "/payments/initialize")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/payments/initialize")
		return
	}

	if replay {
		h.respondJSON(w, http.StatusOK, attempt, "POST", "/payments/initialize")
		return
	}
	h.respondJSON(w, http.StatusCreated, attempt, "POST", "/payments/initialize")
}

type verifyRequest struct {
	Reference string `json:"reference"`
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/payments/verify"))
	defer timer.ObserveDuration()

	if !h.limiter.Allow(r.Context(), clientIdentity(r), "verify", h.limits.Client, h.limits.Window) {
		h.respondError(w, http.StatusTooManyRequests, "Rate limit exceeded", "POST", "/payments/verify")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		h.respondError(w, http.StatusBadRequest, "reference is required", "POST", "/payments/verify")
		return
	}

	entry, err := h.payments.Verify(r.Context(), req.Reference)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAttemptNotFound):
			h.respondError(w, http.StatusNotFound, "Payment attempt not found", "POST", "/payments/verify")
		case domain.IsTransient(err):
			h.respondError(w, http.StatusServiceUnavailable, "Busy, try again shortly", "POST", "/payments/verify")
		default:
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/payments/verify")
		}
		return
	}
	h.respondJSON(w, http.StatusOK, entry, "POST", "/payments/verify")
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/payments/webhook"))
	defer timer.ObserveDuration()

	if !h.limiter.Allow(r.Context(), providerIdentity(r), "webhook", h.limits.Webhook, h.limits.Window) {
		h.respondError(w, http.StatusTooManyRequests, "Rate limit exceeded", "POST", "/payments/webhook")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", "/payments/webhook")
		return
	}

	entry, err := h.processor.Process(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignature):
			h.respondError(w, http.StatusUnauthorized, "Invalid signature", "POST", "/payments/webhook")
		case errors.Is(err, domain.ErrMalformedPayload):
			h.respondError(w, http.StatusBadRequest, "Malformed payload", "POST", "/payments/webhook")
		case domain.IsTransient(err):
			h.respondError(w, http.StatusServiceUnavailable, "Busy, try again shortly", "POST", "/payments/webhook")
		default:
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/payments/webhook")
		}
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"status": "acknowledged", "entry": entry}, "POST", "/payments/webhook")
}

func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	attempt, err := h.reader.AttemptByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			h.respondError(w, http.StatusNotFound, "Not Found", "GET", "/payments/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/payments/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, attempt, "GET", "/payments/{id}")
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["userID"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid user id", "GET", "/balances/{userID}")
		return
	}

	balance, err := h.reader.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/balances/{userID}")
		return
	}
	h.respondJSON(w, http.StatusOK, balance, "GET", "/balances/{userID}")
}

// clientIdentity keys the limiter on the authenticated subject when the API
// gateway forwards one, else the network origin.
func clientIdentity(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

func providerIdentity(r *http.Request) string {
	if id := r.Header.Get("X-Provider-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
