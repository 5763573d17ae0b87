package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAttemptNotFound   = errors.New("payment attempt not found")
	ErrInProgress        = errors.New("payment attempt in progress")
	ErrDuplicateAttempt  = errors.New("payment attempt already exists")
	ErrAlreadyCredited   = errors.New("reference already credited")
	ErrLockNotAcquired   = errors.New("distributed lock not acquired")
	ErrVersionConflict   = errors.New("lock_version changed since read")
	ErrInvalidTransition = errors.New("illegal state transition")
	ErrInvalidSignature  = errors.New("webhook signature invalid")
	ErrMalformedPayload  = errors.New("webhook payload malformed")
)

// Class tags a fault as retryable or terminal. The retry loop's decision is
// a pure function of this tag.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// Fault wraps an error with its retry class and the payment context needed
// for manual reconciliation.
type Fault struct {
	Class     Class
	Op        string
	Reference string
	Err       error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s (ref=%s, %s)", f.Op, f.Err, f.Reference, f.Class)
}

func (f *Fault) Unwrap() error { return f.Err }

// Transient marks err as eligible for retry with backoff.
func Transient(op, reference string, err error) error {
	return &Fault{Class: ClassTransient, Op: op, Reference: reference, Err: err}
}

// Permanent marks err as terminal; the caller must not retry.
func Permanent(op, reference string, err error) error {
	return &Fault{Class: ClassPermanent, Op: op, Reference: reference, Err: err}
}

// IsTransient reports whether err is retryable. Unclassified errors are
// treated as permanent so that an unknown failure can never loop forever.
func IsTransient(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class == ClassTransient
	}
	return false
}
