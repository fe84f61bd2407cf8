package payments

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler retries the order transition and outcome publish of payments
// whose status was committed but whose follow-up steps failed.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewReconciler(svc *Service, interval time.Duration, batch int, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Reconciler{svc: svc, interval: interval, batch: batch, logger: logger}
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("payment reconciler started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("payment reconciler stopped")
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce claims one batch of unsettled payments, retries their
// missing steps and returns how many are now fully settled. Payments still
// held by Process or another reconciler are left alone.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	pending, err := r.svc.repo.ClaimUnsettled(ctx, r.batch, time.Now().UTC().Add(r.svc.lease))
	if err != nil {
		r.logger.Error("claim unsettled payments failed", "error", err)
		return 0
	}

	settled := 0
	for i := range pending {
		p := &pending[i]
		r.svc.settleClaimed(ctx, p)
		if p.Settled() {
			r.logger.Info("payment reconciled", "payment_id", p.ID, "order_id", p.OrderID)
			settled++
		}
	}
	return settled
}
