package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/payflow/internal/domain"
)

const uniqueViolation = "23505"

const attemptColumns = `id, user_id, reference, idempotency_key, amount_requested,
	amount_credited, state, credited, lock_version, processing_started_at,
	processing_completed_at, error_message, dead_lettered, created_at`

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	err := row.Scan(
		&a.ID, &a.UserID, &a.Reference, &a.IdempotencyKey, &a.AmountRequested,
		&a.AmountCredited, &a.State, &a.Credited, &a.LockVersion, &a.ProcessingStartedAt,
		&a.ProcessingCompletedAt, &a.ErrorMessage, &a.DeadLettered, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, err
	}
	return &a, nil
}

// CreateAttempt inserts a new pending attempt. A unique-constraint violation
// on reference or idempotency_key maps to ErrDuplicateAttempt so a racing
// duplicate creation fails fast instead of silently racing.
func (s *Store) CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO payment_attempts
			(id, user_id, reference, idempotency_key, amount_requested, state)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 RETURNING lock_version, created_at`,
		a.ID, a.UserID, a.Reference, a.IdempotencyKey, a.AmountRequested,
	).Scan(&a.LockVersion, &a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateAttempt
		}
		return fmt.Errorf("attempt insert failed: %w", err)
	}
	a.State = domain.StatePending
	return nil
}

func (s *Store) AttemptByID(ctx context.Context, id string) (*domain.PaymentAttempt, error) {
	return scanAttempt(s.Db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id))
}

// AttemptByKey returns the newest attempt for an idempotency key. Multiple
// rows can share a key only when earlier ones failed; the live row wins.
func (s *Store) AttemptByKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	return scanAttempt(s.Db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts
		 WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1`, key))
}

func (s *Store) AttemptByReference(ctx context.Context, reference string) (*domain.PaymentAttempt, error) {
	return scanAttempt(s.Db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE reference = $1`, reference))
}

func appendTransition(ctx context.Context, tx pgx.Tx, attemptID string, from, to domain.State, reason string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO attempt_transitions (attempt_id, from_state, to_state, reason)
		 VALUES ($1, $2, $3, $4)`,
		attemptID, from, to, reason)
	if err != nil {
		return fmt.Errorf("transition append failed: %w", err)
	}
	return nil
}

// MarkProcessing moves a pending attempt into processing. Callers must hold
// the distributed lock for the reference. The expectedVersion check is the
// optimistic second layer: if another writer touched the row since the
// caller read it, the update fails loudly instead of overwriting.
func (s *Store) MarkProcessing(ctx context.Context, reference string, expectedVersion int64) (int64, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE reference = $1 FOR UPDATE`,
		reference))
	if err != nil {
		return 0, err
	}
	if !a.State.CanTransitionTo(domain.StateProcessing) {
		return 0, fmt.Errorf("%w: %s -> processing", domain.ErrInvalidTransition, a.State)
	}
	if a.LockVersion != expectedVersion {
		return 0, fmt.Errorf("%w: have %d, expected %d", domain.ErrVersionConflict, a.LockVersion, expectedVersion)
	}

	newVersion := a.LockVersion + 1
	_, err = tx.Exec(ctx,
		`UPDATE payment_attempts
		 SET state = 'processing', processing_started_at = now(), lock_version = $2
		 WHERE reference = $1`,
		reference, newVersion)
	if err != nil {
		return 0, fmt.Errorf("processing update failed: %w", err)
	}
	if err := appendTransition(ctx, tx, a.ID, a.State, domain.StateProcessing, "lock acquired"); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return newVersion, nil
}

// Credit performs the exactly-once credit inside a single transaction.
// Lock order is always attempt row first, then balance row; every write
// path in this package follows the same order.
func (s *Store) Credit(ctx context.Context, reference string, userID, amount, expectedVersion int64) (*domain.LedgerEntry, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE reference = $1 FOR UPDATE`,
		reference))
	if err != nil {
		return nil, err
	}

	// Final safety net: a second caller that won the lock after the first
	// finished (lease expiry, clock skew) lands here and must not credit again.
	if a.Credited {
		entry, err := s.entryByReference(ctx, tx, reference)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("tx commit failed: %w", err)
		}
		return entry, nil
	}

	if a.State != domain.StateProcessing {
		return nil, fmt.Errorf("%w: credit from %s", domain.ErrInvalidTransition, a.State)
	}
	if a.LockVersion != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", domain.ErrVersionConflict, a.LockVersion, expectedVersion)
	}

	// Balance row may not exist for a first-time top-up.
	_, err = tx.Exec(ctx,
		`INSERT INTO balances (user_id, amount) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("balance ensure failed: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT amount FROM balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("balance lock failed: %w", err)
	}

	entry := &domain.LedgerEntry{
		UserID:         userID,
		Amount:         amount,
		Type:           domain.EntryCredit,
		Reference:      reference,
		IdempotencyKey: a.IdempotencyKey,
		AttemptID:      a.ID,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (user_id, amount, type, reference, idempotency_key, payment_attempt_id)
		 VALUES ($1, $2, 'credit', $3, $4, $5)
		 RETURNING id, created_at`,
		userID, amount, reference, a.IdempotencyKey, a.ID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// A parallel path already credited this reference. Success in
			// disguise, not an error; the caller re-reads the entry.
			return nil, domain.ErrAlreadyCredited
		}
		return nil, fmt.Errorf("ledger entry failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE balances SET amount = amount + $1 WHERE user_id = $2`, amount, userID)
	if err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE payment_attempts
		 SET credited = TRUE, state = 'completed', amount_credited = $2,
		     processing_completed_at = now(), lock_version = $3
		 WHERE reference = $1`,
		reference, amount, a.LockVersion+1)
	if err != nil {
		return nil, fmt.Errorf("attempt finalize failed: %w", err)
	}
	if err := appendTransition(ctx, tx, a.ID, domain.StateProcessing, domain.StateCompleted, "funds credited"); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return entry, nil
}

func (s *Store) entryByReference(ctx context.Context, tx pgx.Tx, reference string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := tx.QueryRow(ctx,
		`SELECT id, user_id, amount, type, reference, idempotency_key, payment_attempt_id, created_at
		 FROM ledger_entries WHERE reference = $1`, reference).
		Scan(&e.ID, &e.UserID, &e.Amount, &e.Type, &e.Reference, &e.IdempotencyKey, &e.AttemptID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("entry lookup failed: %w", err)
	}
	return &e, nil
}

// EntryByReference returns the ledger entry for a reference, if any.
func (s *Store) EntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := s.Db.QueryRow(ctx,
		`SELECT id, user_id, amount, type, reference, idempotency_key, payment_attempt_id, created_at
		 FROM ledger_entries WHERE reference = $1`, reference).
		Scan(&e.ID, &e.UserID, &e.Amount, &e.Type, &e.Reference, &e.IdempotencyKey, &e.AttemptID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, err
	}
	return &e, nil
}

// MarkFailed records a terminal failure. Best effort by contract: a
// processing row that never reaches failed is picked up by the reconciler.
func (s *Store) MarkFailed(ctx context.Context, reference, reason string, deadLetter bool) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE reference = $1 FOR UPDATE`,
		reference))
	if err != nil {
		return err
	}
	if !a.State.CanTransitionTo(domain.StateFailed) {
		return fmt.Errorf("%w: %s -> failed", domain.ErrInvalidTransition, a.State)
	}

	_, err = tx.Exec(ctx,
		`UPDATE payment_attempts
		 SET state = 'failed', error_message = $2, dead_lettered = $3, lock_version = $4
		 WHERE reference = $1`,
		reference, reason, deadLetter, a.LockVersion+1)
	if err != nil {
		return fmt.Errorf("failed update failed: %w", err)
	}
	if err := appendTransition(ctx, tx, a.ID, a.State, domain.StateFailed, reason); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Store) GetBalance(ctx context.Context, userID int64) (*domain.Balance, error) {
	b := domain.Balance{UserID: userID}
	err := s.Db.QueryRow(ctx,
		`SELECT amount FROM balances WHERE user_id = $1`, userID).Scan(&b.Amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &b, nil
		}
		return nil, err
	}
	return &b, nil
}

// ListStuck returns processing attempts older than the threshold. These are
// candidates for manual reconciliation, never automatic retry.
func (s *Store) ListStuck(ctx context.Context, olderThan time.Duration) ([]domain.PaymentAttempt, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts
		 WHERE state = 'processing' AND processing_started_at < now() - $1::interval
		 ORDER BY processing_started_at`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stuck []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		stuck = append(stuck, *a)
	}
	return stuck, rows.Err()
}

// Transitions returns the audit trail for an attempt, oldest first.
func (s *Store) Transitions(ctx context.Context, attemptID string) ([]domain.StateTransition, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT attempt_id, from_state, to_state, reason, created_at
		 FROM attempt_transitions WHERE attempt_id = $1 ORDER BY created_at`,
		attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ts []domain.StateTransition
	for rows.Next() {
		var t domain.StateTransition
		if err := rows.Scan(&t.AttemptID, &t.FromState, &t.ToState, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}
