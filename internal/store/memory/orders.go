// Package memory implements the record store ports with mutex-guarded maps.
// Status changes are compare-and-swap under the lock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

// Orders is an in-memory domain.OrderRepository.
type Orders struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	outbox []*domain.OutboxEntry
	// FailCreate, when set, is returned by the next CreateWithOutbox.
	FailCreate error
}

// NewOrders returns an empty order store.
func NewOrders() *Orders {
	return &Orders{orders: make(map[string]domain.Order)}
}

func (s *Orders) CreateWithOutbox(_ context.Context, o *domain.Order, entry *domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailCreate; err != nil {
		s.FailCreate = nil
		return err
	}
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrDuplicate)
	}
	s.orders[o.ID] = *o
	if entry != nil {
		e := *entry
		e.Payload = append([]byte(nil), entry.Payload...)
		if entry.ClaimedUntil != nil {
			claim := *entry.ClaimedUntil
			e.ClaimedUntil = &claim
		}
		s.outbox = append(s.outbox, &e)
	}
	return nil
}

func (s *Orders) Get(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return &o, nil
}

func (s *Orders) List(_ context.Context) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Orders) Transition(_ context.Context, id string, from, to domain.OrderStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	if o.Status != from {
		return nil, fmt.Errorf("order %s is %s, not %s: %w", id, o.Status, from, domain.ErrConflict)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return &o, nil
}

func (s *Orders) ClaimOutbox(_ context.Context, limit int, until time.Time) ([]domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []domain.OutboxEntry
	for _, e := range s.outbox {
		if e.PublishedAt != nil || (e.ClaimedUntil != nil && e.ClaimedUntil.After(now)) {
			continue
		}
		claim := until
		e.ClaimedUntil = &claim
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Orders) ReleaseOutbox(_ context.Context, entryIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range entryIDs {
		for _, e := range s.outbox {
			if e.ID == id && e.PublishedAt == nil {
				e.ClaimedUntil = nil
			}
		}
	}
	return nil
}

func (s *Orders) MarkPublished(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == entryID {
			now := time.Now().UTC()
			e.PublishedAt = &now
			return nil
		}
	}
	return fmt.Errorf("outbox entry %s: %w", entryID, domain.ErrNotFound)
}
