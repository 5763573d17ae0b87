package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payflow/internal/domain"
)

var stuckAttempts = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "payflow_stuck_processing_attempts",
	Help: "Processing attempts older than the staleness threshold, awaiting manual reconciliation",
})

// StuckLister is the slice of the store the reconciler needs.
type StuckLister interface {
	ListStuck(ctx context.Context, olderThan time.Duration) ([]domain.PaymentAttempt, error)
}

// Reconciler periodically flags processing attempts that exceeded the
// staleness threshold. It only reports; it never re-enters the credit path,
// because the original worker may be slow rather than dead and an automatic
// retry could double-credit.
type Reconciler struct {
	store     StuckLister
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func NewReconciler(store StuckLister, threshold, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, threshold: threshold, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	stuck, err := r.store.ListStuck(ctx, r.threshold)
	if err != nil {
		r.logger.Error("stuck attempt sweep failed", slog.String("error", err.Error()))
		return
	}
	stuckAttempts.Set(float64(len(stuck)))
	for _, a := range stuck {
		r.logger.Warn("payment attempt stuck in processing, manual reconciliation required",
			slog.String("reference", a.Reference),
			slog.Int64("user_id", a.UserID),
			slog.Int64("amount", a.AmountRequested),
			slog.Time("processing_started_at", derefTime(a.ProcessingStartedAt)))
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
