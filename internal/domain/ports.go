package domain

import (
	"context"
	"time"
)

// OrderRepository persists orders and their outbox entries.
type OrderRepository interface {
	// CreateWithOutbox stores the order and the entry atomically.
	CreateWithOutbox(ctx context.Context, o *Order, entry *OutboxEntry) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context) ([]Order, error)
	// Transition moves the order from one status to another only if its
	// current status is from. It returns ErrConflict otherwise.
	Transition(ctx context.Context, id string, from, to OrderStatus) (*Order, error)
	// ClaimOutbox leases up to limit unpublished entries whose previous
	// claim has lapsed, oldest first, and holds them until until.
	ClaimOutbox(ctx context.Context, limit int, until time.Time) ([]OutboxEntry, error)
	// ReleaseOutbox drops the claim on entries that were not published.
	ReleaseOutbox(ctx context.Context, entryIDs ...string) error
	MarkPublished(ctx context.Context, entryID string) error
}

// PaymentRepository persists payments. Create returns ErrDuplicate when a
// payment for the same order already exists.
type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	List(ctx context.Context) ([]Payment, error)
	// Transition moves the payment from one status to another only if its
	// current status is from, and claims its follow-up steps until
	// claimUntil.
	Transition(ctx context.Context, id string, from, to PaymentStatus, claimUntil time.Time) (*Payment, error)
	MarkOrderSynced(ctx context.Context, id string) error
	MarkOutcomePublished(ctx context.Context, id string) error
	// ClaimUnsettled leases terminal payments with a pending follow-up step
	// and no live claim, oldest first, until until.
	ClaimUnsettled(ctx context.Context, limit int, until time.Time) ([]Payment, error)
	ReleaseClaim(ctx context.Context, id string) error
}

// ProductRepository persists catalog items.
type ProductRepository interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id int64) (*Product, error)
	List(ctx context.Context) ([]Product, error)
	// Update applies patch, failing with ErrDuplicate when the new name
	// belongs to another product.
	Update(ctx context.Context, id int64, patch ProductPatch) (*Product, error)
	Delete(ctx context.Context, id int64) error
	// AdjustStock adds delta to the stock, failing with ErrInsufficientStock
	// when the result would be negative.
	AdjustStock(ctx context.Context, id int64, delta int) (*Product, error)
}

// ProductCatalog is the product service as seen by the order service.
type ProductCatalog interface {
	Get(ctx context.Context, id int64) (*Product, error)
	AdjustStock(ctx context.Context, id int64, delta int) (*Product, error)
}

// OrderTransitioner is the order service as the payment saga's target.
type OrderTransitioner interface {
	Confirm(ctx context.Context, orderID string) error
	Cancel(ctx context.Context, orderID string) error
}

// OrderReader reads orders from the order service.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*Order, error)
}

// Notifier delivers a notification. Failures are reported but never retried
// by the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationRepository keeps the history of delivered notifications.
type NotificationRepository interface {
	Save(ctx context.Context, n *Notification) error
	List(ctx context.Context) ([]Notification, error)
}
