package payments

import (
	"context"
	"math/rand/v2"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

// DefaultApprovalRate is the share of payments the simulated authorizer
// approves.
const DefaultApprovalRate = 0.7

// Decider makes the authorization decision for a pending payment.
type Decider interface {
	Decide(ctx context.Context, p *domain.Payment) (approved bool, err error)
}

// DeciderFunc adapts a function to a Decider.
type DeciderFunc func(ctx context.Context, p *domain.Payment) (bool, error)

func (f DeciderFunc) Decide(ctx context.Context, p *domain.Payment) (bool, error) {
	return f(ctx, p)
}

// WeightedDecider approves with probability rate.
func WeightedDecider(rate float64) Decider {
	return DeciderFunc(func(context.Context, *domain.Payment) (bool, error) {
		return rand.Float64() < rate, nil
	})
}

// Always returns a Decider with a fixed outcome.
func Always(approved bool) Decider {
	return DeciderFunc(func(context.Context, *domain.Payment) (bool, error) {
		return approved, nil
	})
}
