// Package domain holds the order, payment and product models together with
// the ports the saga services depend on.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderApproved  OrderStatus = "APPROVED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderApproved || s == OrderCancelled
}

// CanTransition reports whether s may move to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return s == OrderPending && next.Terminal()
}

// Order is a customer order for a single product.
type Order struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	ProductID  int64           `json:"productId"`
	Quantity   int             `json:"quantity"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// OutboxEntry is an event persisted alongside the aggregate that produced it
// and relayed to the broker afterwards.
type OutboxEntry struct {
	ID          string
	AggregateID string
	Destination string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time

	// ClaimedUntil is set while a publisher holds the entry.
	ClaimedUntil *time.Time
}
