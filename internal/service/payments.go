package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/lock"
)

// Store is the persistence surface the payment service needs. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error
	AttemptByKey(ctx context.Context, key string) (*domain.PaymentAttempt, error)
	AttemptByReference(ctx context.Context, reference string) (*domain.PaymentAttempt, error)
	MarkProcessing(ctx context.Context, reference string, expectedVersion int64) (int64, error)
	Credit(ctx context.Context, reference string, userID, amount, expectedVersion int64) (*domain.LedgerEntry, error)
	EntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error)
	MarkFailed(ctx context.Context, reference, reason string, deadLetter bool) error
}

// Lease is a held distributed lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker serializes the processing critical section across worker processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, acquireTimeout time.Duration) (Lease, error)
}

// NewRedisLocker adapts the lock coordinator to the Locker interface.
func NewRedisLocker(c *lock.Coordinator) Locker {
	return redisLocker{c: c}
}

type redisLocker struct{ c *lock.Coordinator }

func (r redisLocker) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lease, error) {
	lease, err := r.c.Acquire(ctx, key, ttl, timeout)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Resolution is the answer of the idempotency store for a key or reference.
type Resolution int

const (
	ResolutionNew        Resolution = iota // no attempt exists, caller creates one
	ResolutionInProgress                   // pending or processing, do not duplicate
	ResolutionCompleted                    // cached result, do not re-execute
	ResolutionRetryable                    // failed, a fresh attempt is allowed
)

type PaymentService struct {
	store          Store
	locker         Locker
	lockTTL        time.Duration
	acquireTimeout time.Duration
	logger         *slog.Logger
}

func NewPaymentService(store Store, locker Locker, lockTTL, acquireTimeout time.Duration, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		store:          store,
		locker:         locker,
		lockTTL:        lockTTL,
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}
}

// Resolve answers "has this operation already completed, and with what
// result?". Lookup is by idempotency key first when the caller supplied one,
// else by reference.
func (s *PaymentService) Resolve(ctx context.Context, idempotencyKey, reference string) (Resolution, *domain.PaymentAttempt, error) {
	var a *domain.PaymentAttempt
	var err error
	if idempotencyKey != "" {
		a, err = s.store.AttemptByKey(ctx, idempotencyKey)
	} else {
		a, err = s.store.AttemptByReference(ctx, reference)
	}
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			return ResolutionNew, nil, nil
		}
		return ResolutionNew, nil, err
	}

	switch a.State {
	case domain.StateCompleted:
		return ResolutionCompleted, a, nil
	case domain.StateFailed:
		return ResolutionRetryable, a, nil
	default:
		return ResolutionInProgress, a, nil
	}
}

// Initialize creates a pending attempt for a client-initiated top-up. The
// bool result is true when the response is a cached replay for the supplied
// idempotency key.
func (s *PaymentService) Initialize(ctx context.Context, userID, amount int64, idempotencyKey string) (*domain.PaymentAttempt, bool, error) {
	if idempotencyKey != "" {
		res, existing, err := s.Resolve(ctx, idempotencyKey, "")
		if err != nil {
			return nil, false, err
		}
		switch res {
		case ResolutionCompleted:
			return existing, true, nil
		case ResolutionInProgress:
			return existing, false, domain.ErrInProgress
		}
		// ResolutionRetryable falls through: failure means no funds were ever
		// credited, so a fresh attempt with a fresh reference is safe.
	}

	attempt := &domain.PaymentAttempt{
		ID:              uuid.NewString(),
		UserID:          userID,
		Reference:       "pf-" + uuid.NewString(),
		AmountRequested: amount,
		State:           domain.StatePending,
	}
	if idempotencyKey != "" {
		// The uniqueness index on idempotency_key excludes failed rows, so a
		// retry after failure can reuse the caller's key.
		key := idempotencyKey
		attempt.IdempotencyKey = &key
	}

	err := s.store.CreateAttempt(ctx, attempt)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateAttempt) && idempotencyKey != "" {
			// Lost the creation race. The winner's row is the answer.
			existing, lookupErr := s.store.AttemptByKey(ctx, idempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			if existing.State == domain.StateCompleted {
				return existing, true, nil
			}
			return existing, false, domain.ErrInProgress
		}
		return nil, false, err
	}
	return attempt, false, nil
}

// Verify drives the synchronous, client-initiated crediting path for an
// already-initialized attempt.
func (s *PaymentService) Verify(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	a, err := s.store.AttemptByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return s.CreditWithLock(ctx, reference, a.UserID, a.AmountRequested)
}

// CreditWithLock runs the full exactly-once credit sequence: idempotency
// short-circuit, distributed lock, processing transition, credit
// transaction. Both the client verification path and the webhook path
// converge here.
func (s *PaymentService) CreditWithLock(ctx context.Context, reference string, userID, amount int64) (*domain.LedgerEntry, error) {
	attempt, err := s.store.AttemptByReference(ctx, reference)
	if err != nil {
		if !errors.Is(err, domain.ErrAttemptNotFound) {
			return nil, domain.Transient("credit.resolve", reference, err)
		}
		// Webhook arrived before (or without) a client initialize. Create the
		// attempt from the notification itself.
		attempt = &domain.PaymentAttempt{
			ID:              uuid.NewString(),
			UserID:          userID,
			Reference:       reference,
			AmountRequested: amount,
			State:           domain.StatePending,
		}
		if err := s.store.CreateAttempt(ctx, attempt); err != nil {
			if !errors.Is(err, domain.ErrDuplicateAttempt) {
				return nil, domain.Transient("credit.create", reference, err)
			}
			attempt, err = s.store.AttemptByReference(ctx, reference)
			if err != nil {
				return nil, domain.Transient("credit.resolve", reference, err)
			}
		}
	}

	if attempt.Credited {
		return s.existingEntry(ctx, reference)
	}
	if attempt.State == domain.StateFailed {
		return nil, domain.Permanent("credit.resolve", reference,
			errors.New("attempt already failed, manual review or a fresh attempt required"))
	}

	lease, err := s.locker.Acquire(ctx, reference, s.lockTTL, s.acquireTimeout)
	if err != nil {
		return nil, err
	}

	// Past the lock boundary the credit runs to completion or explicit
	// failure even if the client hangs up; only the HTTP wait is cancellable.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lockTTL)
	defer cancel()
	defer func() {
		if err := lease.Release(opCtx); err != nil {
			s.logger.Warn("lock release failed, waiting out TTL",
				slog.String("reference", reference), slog.String("error", err.Error()))
		}
	}()

	// Re-read under the lock: another worker may have finished while we
	// waited to acquire.
	attempt, err = s.store.AttemptByReference(opCtx, reference)
	if err != nil {
		return nil, domain.Transient("credit.reread", reference, err)
	}
	if attempt.Credited {
		return s.existingEntry(opCtx, reference)
	}

	version := attempt.LockVersion
	if attempt.State == domain.StatePending {
		version, err = s.store.MarkProcessing(opCtx, reference, version)
		if err != nil {
			return nil, classify("credit.processing", reference, err)
		}
	}
	// A row already in processing means a previous holder of this lock died
	// mid-flight; the credited flag and row locks keep a re-run safe.

	entry, err := s.store.Credit(opCtx, reference, userID, amount, version)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyCredited) {
			return s.existingEntry(opCtx, reference)
		}
		return nil, classify("credit.exec", reference, err)
	}
	return entry, nil
}

func (s *PaymentService) existingEntry(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	entry, err := s.store.EntryByReference(ctx, reference)
	if err != nil {
		return nil, domain.Transient("credit.entry", reference, err)
	}
	return entry, nil
}

// DeadLetter marks an attempt as terminally failed with the
// needs-manual-review flag. Money was received by the provider but not
// credited; this must never be silent.
func (s *PaymentService) DeadLetter(ctx context.Context, reference string, cause error) error {
	s.logger.Error("payment dead-lettered, operator action required",
		slog.String("reference", reference), slog.String("cause", cause.Error()))
	if err := s.store.MarkFailed(ctx, reference, cause.Error(), true); err != nil {
		return fmt.Errorf("dead-letter write failed: %w", err)
	}
	return nil
}

// classify maps store errors onto the fault taxonomy: version conflicts and
// illegal transitions are permanent, everything else (connection loss, tx
// serialization) is worth a retry.
func classify(op, reference string, err error) error {
	if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrInvalidTransition) {
		return domain.Permanent(op, reference, err)
	}
	return domain.Transient(op, reference, err)
}
