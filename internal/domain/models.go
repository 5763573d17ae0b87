package domain

import "time"

// State is the lifecycle state of a payment attempt.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// CanTransitionTo reports whether the move to next is a legal forward
// transition. Completed and failed are terminal; nothing skips processing.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateProcessing || next == StateFailed
	case StateProcessing:
		return next == StateCompleted || next == StateFailed
	default:
		return false
	}
}

// PaymentAttempt is the record of one payment intent. One row exists per
// provider reference; the row is immutable history once completed or failed.
type PaymentAttempt struct {
	ID                    string     `json:"id"`
	UserID                int64      `json:"user_id"`
	Reference             string     `json:"reference"`
	IdempotencyKey        *string    `json:"idempotency_key,omitempty"`
	AmountRequested       int64      `json:"amount_requested"`
	AmountCredited        *int64     `json:"amount_credited,omitempty"`
	State                 State      `json:"state"`
	Credited              bool       `json:"credited"`
	LockVersion           int64      `json:"lock_version"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ErrorMessage          *string    `json:"error_message,omitempty"`
	DeadLettered          bool       `json:"dead_lettered"`
	CreatedAt             time.Time  `json:"created_at"`
}

// StateTransition is one row of the append-only audit trail. Rows are only
// ever inserted, never updated or deleted.
type StateTransition struct {
	AttemptID string    `json:"attempt_id"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
	EntryRefund EntryType = "refund"
)

// LedgerEntry records one completed movement of funds. Entries are
// append-only; the unique constraint on Reference is what makes a credit
// exactly-once. The existence of the entry, not PaymentAttempt.Credited, is
// the source of truth that funds moved.
type LedgerEntry struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Amount         int64     `json:"amount"`
	Type           EntryType `json:"type"`
	Reference      string    `json:"reference"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	AttemptID      string    `json:"payment_attempt_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Balance is a user's current balance in minor units.
type Balance struct {
	UserID int64 `json:"user_id"`
	Amount int64 `json:"amount"`
}
