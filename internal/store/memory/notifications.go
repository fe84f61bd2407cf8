package memory

import (
	"context"
	"sync"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

// Notifications is an in-memory domain.NotificationRepository.
type Notifications struct {
	mu    sync.Mutex
	items []domain.Notification
}

// NewNotifications returns an empty history.
func NewNotifications() *Notifications { return &Notifications{} }

func (s *Notifications) Save(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = int64(len(s.items) + 1)
	s.items = append(s.items, *n)
	return nil
}

// List returns the history newest first.
func (s *Notifications) List(_ context.Context) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Notification, len(s.items))
	for i, n := range s.items {
		out[len(s.items)-1-i] = n
	}
	return out, nil
}
