package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// OutboxRelay republishes outbox entries whose first publish failed.
type OutboxRelay struct {
	repo     domain.OrderRepository
	pub      messaging.Publisher
	interval time.Duration
	batch    int
	lease    time.Duration
	logger   *slog.Logger
}

// NewOutboxRelay returns a relay polling every interval for up to batch
// entries, each claimed for lease while it is published.
func NewOutboxRelay(repo domain.OrderRepository, pub messaging.Publisher, interval time.Duration, batch int, lease time.Duration, logger *slog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if lease <= 0 {
		lease = DefaultOutboxLease
	}
	return &OutboxRelay{repo: repo, pub: pub, interval: interval, batch: batch, lease: lease, logger: logger}
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			r.RelayOnce(ctx)
		}
	}
}

// RelayOnce claims unclaimed entries, publishes them in creation order and
// returns how many were published. Entries still held by Create or another
// relay are skipped. It stops at the first failure so later entries never
// overtake an earlier one, and releases what it did not publish.
func (r *OutboxRelay) RelayOnce(ctx context.Context) int {
	entries, err := r.repo.ClaimOutbox(ctx, r.batch, time.Now().UTC().Add(r.lease))
	if err != nil {
		r.logger.Error("claim outbox failed", "error", err)
		return 0
	}

	sent := 0
	for i, e := range entries {
		if err := publishEntry(ctx, r.pub, r.repo, e); err != nil {
			r.logger.Warn("outbox relay publish failed", "message_id", e.ID,
				"correlation_id", e.AggregateID, "error", err)
			r.release(ctx, entries[i:])
			break
		}
		r.logger.Info("outbox entry relayed", "message_id", e.ID, "correlation_id", e.AggregateID)
		sent++
	}
	return sent
}

func (r *OutboxRelay) release(ctx context.Context, entries []domain.OutboxEntry) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := r.repo.ReleaseOutbox(context.WithoutCancel(ctx), ids...); err != nil {
		r.logger.Error("outbox release failed", "error", err)
	}
}
