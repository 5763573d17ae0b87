// Package webhook processes asynchronous payment-provider notifications:
// signature verification, idempotency resolution, and the retry/dead-letter
// pipeline around the credit operation.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/service"
)

// SignatureHeader carries the provider's hex-encoded HMAC-SHA256 of the raw
// request body.
const SignatureHeader = "X-Webhook-Signature"

var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_webhook_retries_total",
		Help: "Transient credit failures retried with backoff",
	})
	deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_webhook_dead_letters_total",
		Help: "Notifications that exhausted retries and require manual review",
	})
	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_webhook_rejected_total",
		Help: "Notifications rejected before any processing",
	}, []string{"reason"})
)

// Notification is the provider payload. Reference, user and amount are all
// required to drive crediting.
type Notification struct {
	Reference string `json:"reference"`
	UserID    int64  `json:"user_id"`
	Amount    int64  `json:"amount"`
}

// Payments is the slice of the payment service the processor drives.
type Payments interface {
	Resolve(ctx context.Context, idempotencyKey, reference string) (service.Resolution, *domain.PaymentAttempt, error)
	CreditWithLock(ctx context.Context, reference string, userID, amount int64) (*domain.LedgerEntry, error)
	DeadLetter(ctx context.Context, reference string, cause error) error
}

type Processor struct {
	payments    Payments
	secret      []byte
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(time.Duration)
	logger      *slog.Logger
}

func NewProcessor(payments Payments, secret string, maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *Processor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Processor{
		payments:    payments,
		secret:      []byte(secret),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sleep:       time.Sleep,
		logger:      logger,
	}
}

// VerifySignature recomputes the HMAC over the raw body and compares it to
// the header value in constant time.
func (p *Processor) VerifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature a legitimate provider would send for body.
// Used by the benchmark tool and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Process runs the full pipeline for one notification. Signature
// verification is a hard precondition: nothing else runs for an unverified
// payload. Transient credit failures are retried with exponential backoff;
// exhaustion dead-letters the attempt.
func (p *Processor) Process(ctx context.Context, body []byte, signature string) (*domain.LedgerEntry, error) {
	if !p.VerifySignature(body, signature) {
		rejectedTotal.WithLabelValues("signature").Inc()
		p.logger.Warn("webhook signature verification failed")
		return nil, domain.Permanent("webhook.verify", "", domain.ErrInvalidSignature)
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		rejectedTotal.WithLabelValues("payload").Inc()
		return nil, domain.Permanent("webhook.decode", "", fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err))
	}
	if n.Reference == "" || n.UserID == 0 || n.Amount <= 0 {
		rejectedTotal.WithLabelValues("payload").Inc()
		return nil, domain.Permanent("webhook.decode", n.Reference,
			fmt.Errorf("%w: reference, user_id and amount are required", domain.ErrMalformedPayload))
	}

	// Duplicate delivery of a settled payment is acknowledged without
	// reprocessing.
	res, _, err := p.payments.Resolve(ctx, "", n.Reference)
	if err == nil && res == service.ResolutionCompleted {
		return p.payments.CreditWithLock(ctx, n.Reference, n.UserID, n.Amount)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		entry, err := p.payments.CreditWithLock(ctx, n.Reference, n.UserID, n.Amount)
		if err == nil {
			return entry, nil
		}
		lastErr = err

		if !domain.IsTransient(err) {
			break
		}
		if attempt == p.maxAttempts-1 {
			break
		}
		delay := p.baseDelay * time.Duration(1<<attempt)
		retriesTotal.Inc()
		p.logger.Warn("transient credit failure, backing off",
			slog.String("reference", n.Reference),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		p.sleep(delay)
	}

	deadLettersTotal.Inc()
	if dlErr := p.payments.DeadLetter(ctx, n.Reference, lastErr); dlErr != nil {
		p.logger.Error("dead-letter write failed",
			slog.String("reference", n.Reference), slog.String("error", dlErr.Error()))
	}
	return nil, lastErr
}
