package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/stretchr/testify/assert"
)

type fakeStuckLister struct {
	stuck []domain.PaymentAttempt
	err   error
	calls int
}

func (f *fakeStuckLister) ListStuck(ctx context.Context, olderThan time.Duration) ([]domain.PaymentAttempt, error) {
	f.calls++
	return f.stuck, f.err
}

func TestSweepFlagsStuckAttempts(t *testing.T) {
	started := time.Now().Add(-10 * time.Minute)
	lister := &fakeStuckLister{stuck: []domain.PaymentAttempt{
		{Reference: "ref-stuck-1", UserID: 1, State: domain.StateProcessing, ProcessingStartedAt: &started},
		{Reference: "ref-stuck-2", UserID: 2, State: domain.StateProcessing, ProcessingStartedAt: &started},
	}}
	r := NewReconciler(lister, 5*time.Minute, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r.Sweep(context.Background())

	assert.Equal(t, 1, lister.calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(stuckAttempts))

	// A clean sweep resets the gauge.
	lister.stuck = nil
	r.Sweep(context.Background())
	assert.Equal(t, float64(0), testutil.ToFloat64(stuckAttempts))
}

func TestSweepSurvivesStoreError(t *testing.T) {
	lister := &fakeStuckLister{err: errors.New("db down")}
	r := NewReconciler(lister, 5*time.Minute, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Must not panic; the next tick will try again.
	r.Sweep(context.Background())
	assert.Equal(t, 1, lister.calls)
}
