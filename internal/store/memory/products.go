package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

// Products is an in-memory domain.ProductRepository.
type Products struct {
	mu     sync.RWMutex
	m      map[int64]domain.Product
	nextID int64
}

// NewProducts returns a product store seeded with items.
func NewProducts(items ...domain.Product) *Products {
	s := &Products{m: make(map[int64]domain.Product)}
	for _, p := range items {
		s.m[p.ID] = p
		if p.ID > s.nextID {
			s.nextID = p.ID
		}
	}
	return s
}

func (s *Products) Create(_ context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.m {
		if existing.Name == p.Name {
			return fmt.Errorf("product %q: %w", p.Name, domain.ErrDuplicate)
		}
	}
	s.nextID++
	p.ID = s.nextID
	s.m[p.ID] = *p
	return nil
}

func (s *Products) Get(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *Products) List(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.m))
	for _, p := range s.m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Products) Update(_ context.Context, id int64, patch domain.ProductPatch) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, domain.ErrNotFound)
	}
	if patch.Name != nil {
		for _, other := range s.m {
			if other.ID != id && other.Name == *patch.Name {
				return nil, fmt.Errorf("product %q: %w", *patch.Name, domain.ErrDuplicate)
			}
		}
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.Stock != nil {
		p.Stock = *patch.Stock
	}
	p.UpdatedAt = time.Now().UTC()
	s.m[id] = p
	return &p, nil
}

func (s *Products) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return fmt.Errorf("product %d: %w", id, domain.ErrNotFound)
	}
	delete(s.m, id)
	return nil
}

func (s *Products) AdjustStock(_ context.Context, id int64, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, domain.ErrNotFound)
	}
	if p.Stock+delta < 0 {
		return nil, fmt.Errorf("product %d has %d, adjust %d: %w", id, p.Stock, delta, domain.ErrInsufficientStock)
	}
	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	s.m[id] = p
	return &p, nil
}
