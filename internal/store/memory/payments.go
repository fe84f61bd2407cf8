package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

// Payments is an in-memory domain.PaymentRepository with a unique index on
// the order id.
type Payments struct {
	mu      sync.RWMutex
	byID    map[string]domain.Payment
	byOrder map[string]string
}

// NewPayments returns an empty payment store.
func NewPayments() *Payments {
	return &Payments{
		byID:    make(map[string]domain.Payment),
		byOrder: make(map[string]string),
	}
}

func (s *Payments) Create(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOrder[p.OrderID]; ok {
		return fmt.Errorf("payment for order %s: %w", p.OrderID, domain.ErrDuplicate)
	}
	s.byID[p.ID] = *p
	s.byOrder[p.OrderID] = p.ID
	return nil
}

func (s *Payments) Get(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *Payments) GetByOrderID(_ context.Context, orderID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("payment for order %s: %w", orderID, domain.ErrNotFound)
	}
	p := s.byID[id]
	return &p, nil
}

func (s *Payments) List(_ context.Context) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Payment, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Payments) Transition(_ context.Context, id string, from, to domain.PaymentStatus, claimUntil time.Time) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	if p.Status != from {
		return nil, fmt.Errorf("payment %s is %s, not %s: %w", id, p.Status, from, domain.ErrConflict)
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	p.ClaimedUntil = &claimUntil
	s.byID[id] = p
	return &p, nil
}

func (s *Payments) MarkOrderSynced(_ context.Context, id string) error {
	return s.update(id, func(p *domain.Payment) { p.OrderSynced = true })
}

func (s *Payments) MarkOutcomePublished(_ context.Context, id string) error {
	return s.update(id, func(p *domain.Payment) { p.OutcomePublished = true })
}

func (s *Payments) update(id string, fn func(*domain.Payment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	fn(&p)
	p.UpdatedAt = time.Now().UTC()
	s.byID[id] = p
	return nil
}

func (s *Payments) ClaimUnsettled(_ context.Context, limit int, until time.Time) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []domain.Payment
	for _, p := range s.byID {
		if !p.Status.Terminal() || p.Settled() {
			continue
		}
		if p.ClaimedUntil != nil && p.ClaimedUntil.After(now) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		claim := until
		out[i].ClaimedUntil = &claim
		s.byID[out[i].ID] = out[i]
	}
	return out, nil
}

func (s *Payments) ReleaseClaim(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	p.ClaimedUntil = nil
	s.byID[id] = p
	return nil
}
