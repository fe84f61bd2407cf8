// Package orders is the producing side of the fulfillment saga. It owns
// order records, reserves stock on creation, records an OrderCreated
// outbox entry in the same write and restores stock when a pending order
// is cancelled.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// CreateInput is the payload of POST /orders.
type CreateInput struct {
	UserID    string `json:"userId"`
	ProductID int64  `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sends a best-effort notification on every order change.
func WithNotifier(n domain.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithOutboxLease sets how long Create holds a new outbox entry before the
// relay may pick it up. It must exceed the publish timeout.
func WithOutboxLease(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithTopic overrides the order-events destination.
func WithTopic(dest messaging.Destination) Option {
	return func(s *Service) { s.topic = dest }
}

// Service implements order creation and the confirm and cancel targets of
// the payment saga.
type Service struct {
	repo     domain.OrderRepository
	catalog  domain.ProductCatalog
	pub      messaging.Publisher
	notifier domain.Notifier
	topic    messaging.Destination
	lease    time.Duration
	logger   *slog.Logger
}

// NewService wires a Service. pub receives OrderCreated and
// OrderStatusChanged events.
func NewService(repo domain.OrderRepository, catalog domain.ProductCatalog, pub messaging.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		catalog: catalog,
		pub:     pub,
		topic:   messaging.Topic(TopicOrderEvents),
		lease:   DefaultOutboxLease,
		logger:  logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

const (
	// TopicOrderEvents is the default order-events topic.
	TopicOrderEvents = "orders.events"
	// DefaultOutboxLease is how long a publisher holds an outbox entry.
	DefaultOutboxLease = 30 * time.Second
)

// Create reserves stock, persists a PENDING order with its OrderCreated
// outbox entry and publishes the entry. A publish failure does not fail
// the call; the relay retries it.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Order, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	switch {
	case in.UserID == "":
		return nil, fmt.Errorf("%w: userId is required", domain.ErrValidation)
	case in.ProductID <= 0:
		return nil, fmt.Errorf("%w: productId must be positive", domain.ErrValidation)
	case in.Quantity < 1:
		return nil, fmt.Errorf("%w: quantity must be at least 1", domain.ErrValidation)
	}

	product, err := s.catalog.Get(ctx, in.ProductID)
	if err != nil {
		return nil, fmt.Errorf("lookup product %d: %w", in.ProductID, err)
	}
	if product.Stock < in.Quantity {
		return nil, fmt.Errorf("%w: product %d has %d in stock, %d requested",
			domain.ErrValidation, product.ID, product.Stock, in.Quantity)
	}

	if _, err := s.catalog.AdjustStock(ctx, in.ProductID, -in.Quantity); err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return nil, fmt.Errorf("reserve stock: %w", err)
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		ProductID:  in.ProductID,
		Quantity:   in.Quantity,
		TotalPrice: product.Price.Mul(decimal.NewFromInt(int64(in.Quantity))),
		Status:     domain.OrderPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	msg, err := messaging.NewMessage(messaging.NewOrderCreated(
		order.ID, order.UserID, order.ProductID, order.Quantity, order.TotalPrice))
	if err != nil {
		s.restoreStock(ctx, order)
		return nil, err
	}
	// The entry is born claimed so the relay leaves it to this call.
	held := now.Add(s.lease)
	entry := &domain.OutboxEntry{
		ID:           msg.ID,
		AggregateID:  order.ID,
		Destination:  s.topic.Name,
		Type:         msg.Type,
		Payload:      msg.Body,
		CreatedAt:    now,
		ClaimedUntil: &held,
	}

	if err := s.repo.CreateWithOutbox(ctx, order, entry); err != nil {
		s.restoreStock(ctx, order)
		return nil, fmt.Errorf("persist order: %w", err)
	}
	s.logger.Info("order created", "order_id", order.ID, "product_id", order.ProductID,
		"quantity", order.Quantity, "total_price", order.TotalPrice.String())

	if err := publishEntry(ctx, s.pub, s.repo, *entry); err != nil {
		s.logger.Warn("order event deferred to relay", "order_id", order.ID,
			"message_id", entry.ID, "error", err)
		if err := s.repo.ReleaseOutbox(context.WithoutCancel(ctx), entry.ID); err != nil {
			s.logger.Error("outbox release failed", "message_id", entry.ID, "error", err)
		}
	}

	s.notify(ctx, order, "Order created",
		fmt.Sprintf("Order %s was created. Total: %s.", order.ID, order.TotalPrice.StringFixed(2)))
	return order, nil
}

// restoreStock undoes a reservation after the order could not be stored.
func (s *Service) restoreStock(ctx context.Context, o *domain.Order) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.catalog.AdjustStock(ctx, o.ProductID, o.Quantity); err != nil {
		s.logger.Error("stock restore failed", "order_id", o.ID, "product_id", o.ProductID,
			"quantity", o.Quantity, "error", err)
		return
	}
	s.logger.Info("stock restored", "order_id", o.ID, "product_id", o.ProductID, "quantity", o.Quantity)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Order, error) {
	return s.repo.Get(ctx, id)
}

// List returns every order, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Order, error) {
	return s.repo.List(ctx)
}

// Confirm approves a PENDING order. Any other state is a conflict.
func (s *Service) Confirm(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.repo.Transition(ctx, id, domain.OrderPending, domain.OrderApproved)
	if err != nil {
		s.logger.Warn("order confirm rejected", "order_id", id, "error", err)
		return nil, err
	}
	s.logger.Info("order confirmed", "order_id", id)
	s.publishStatusChange(ctx, order, domain.OrderPending)
	s.notify(ctx, order, "Order confirmed", fmt.Sprintf("Your order %s was confirmed.", order.ID))
	return order, nil
}

// Cancel cancels a PENDING order and gives its stock back. The stock is
// restored before the status change and taken again if the change loses a
// race with a concurrent confirm or cancel.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Order, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.OrderPending {
		err := fmt.Errorf("order %s is already %s: %w", id, current.Status, domain.ErrConflict)
		s.logger.Warn("order cancel rejected", "order_id", id, "status", current.Status)
		return nil, err
	}

	if _, err := s.catalog.AdjustStock(ctx, current.ProductID, current.Quantity); err != nil {
		return nil, fmt.Errorf("restore stock: %w", err)
	}

	order, err := s.repo.Transition(ctx, id, domain.OrderPending, domain.OrderCancelled)
	if err != nil {
		undoCtx := context.WithoutCancel(ctx)
		if _, undoErr := s.catalog.AdjustStock(undoCtx, current.ProductID, -current.Quantity); undoErr != nil {
			s.logger.Error("stock restore undo failed", "order_id", id, "product_id", current.ProductID,
				"quantity", current.Quantity, "error", undoErr)
		}
		s.logger.Warn("order cancel rejected", "order_id", id, "error", err)
		return nil, err
	}
	s.logger.Info("order cancelled", "order_id", id, "restocked", current.Quantity)
	s.publishStatusChange(ctx, order, domain.OrderPending)
	s.notify(ctx, order, "Order cancelled", fmt.Sprintf("Your order %s was cancelled.", order.ID))
	return order, nil
}

func (s *Service) publishStatusChange(ctx context.Context, o *domain.Order, old domain.OrderStatus) {
	msg, err := messaging.NewMessage(messaging.NewOrderStatusChanged(o.ID, string(old), string(o.Status)))
	if err == nil {
		err = s.pub.Publish(ctx, s.topic, msg)
	}
	if err != nil {
		s.logger.Warn("status change not published", "order_id", o.ID, "status", o.Status, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, o *domain.Order, subject, message string) {
	if s.notifier == nil {
		return
	}
	n := domain.Notification{Type: "ORDER", Recipient: o.UserID, Subject: subject, Message: message}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("order notification failed", "order_id", o.ID, "error", err)
	}
}

// publishEntry sends an outbox entry and marks it published.
func publishEntry(ctx context.Context, pub messaging.Publisher, repo domain.OrderRepository, e domain.OutboxEntry) error {
	msg := messaging.Message{
		ID:            e.ID,
		Key:           e.AggregateID,
		Type:          e.Type,
		CorrelationID: e.AggregateID,
		Body:          e.Payload,
	}
	if err := pub.Publish(ctx, messaging.Topic(e.Destination), msg); err != nil {
		return err
	}
	if err := repo.MarkPublished(ctx, e.ID); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}
