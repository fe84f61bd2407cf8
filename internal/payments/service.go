// Package payments is the consuming and producing middle of the
// fulfillment saga. It turns OrderCreated events into payments, decides
// them, drives the order to its terminal state and announces the outcome
// on the notification queue.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// QueuePaymentOutcomes is the default payment-outcome queue.
const QueuePaymentOutcomes = "payments.outcomes"

// OrderGateway is everything the saga needs from the order service.
type OrderGateway interface {
	domain.OrderTransitioner
	domain.OrderReader
}

// DefaultSettleLease is how long a processor holds a decided payment's
// follow-up steps before the Reconciler may take them over.
const DefaultSettleLease = time.Minute

// customerName is the display name carried in PaymentOutcome.
func customerName(userID string) string {
	if userID == "" {
		return "customer"
	}
	return userID
}

// CreateInput is the payload of POST /payments.
type CreateInput struct {
	OrderID string `json:"orderId"`
	Method  string `json:"method"`
}

// Option configures a Service.
type Option func(*Service)

// WithDecider replaces the weighted random approval.
func WithDecider(d Decider) Option { return func(s *Service) { s.decider = d } }

// WithAutoProcess controls whether saga-created payments are processed
// right away. It defaults to true.
func WithAutoProcess(on bool) Option { return func(s *Service) { s.autoProcess = on } }

// WithOrderTimeout bounds each call to the order service.
func WithOrderTimeout(d time.Duration) Option { return func(s *Service) { s.orderTimeout = d } }

// WithQueue overrides the payment-outcome destination.
func WithQueue(dest messaging.Destination) Option { return func(s *Service) { s.queue = dest } }

// WithSettleLease sets how long Process and the Reconciler hold a payment
// while settling it. It must exceed the order timeout plus the publish
// timeout.
func WithSettleLease(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lease = d
		}
	}
}

// Service owns payment records and the saga steps that follow a decision.
type Service struct {
	repo         domain.PaymentRepository
	orders       OrderGateway
	pub          messaging.Publisher
	decider      Decider
	autoProcess  bool
	orderTimeout time.Duration
	lease        time.Duration
	queue        messaging.Destination
	logger       *slog.Logger
}

func NewService(repo domain.PaymentRepository, orders OrderGateway, pub messaging.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		orders:       orders,
		pub:          pub,
		decider:      WeightedDecider(DefaultApprovalRate),
		autoProcess:  true,
		orderTimeout: 5 * time.Second,
		lease:        DefaultSettleLease,
		queue:        messaging.Queue(QueuePaymentOutcomes),
		logger:       logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HandleOrderCreated creates the AUTO payment for an order. Redelivered
// events are absorbed: a payment that already exists is left alone, or
// processed when it is still pending.
func (s *Service) HandleOrderCreated(ctx context.Context, ev messaging.OrderCreated) error {
	log := s.logger.With("order_id", ev.OrderID)

	existing, err := s.repo.GetByOrderID(ctx, ev.OrderID)
	switch {
	case err == nil:
		log.Info("duplicate order event ignored", "payment_id", existing.ID, "status", existing.Status)
		if existing.Status == domain.PaymentPending && s.autoProcess {
			return s.processQuietly(ctx, existing.ID)
		}
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("lookup payment for order %s: %w", ev.OrderID, err)
	}

	amount, ok := ev.Total()
	userID := ev.UserID
	if !ok {
		octx, cancel := context.WithTimeout(ctx, s.orderTimeout)
		order, err := s.orders.Get(octx, ev.OrderID)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch order %s: %w", ev.OrderID, err)
		}
		amount = order.TotalPrice
		if userID == "" {
			userID = order.UserID
		}
	}

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:        uuid.NewString(),
		OrderID:   ev.OrderID,
		UserID:    userID,
		Amount:    amount,
		Method:    domain.MethodAuto,
		Status:    domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			log.Info("duplicate order event ignored", "error", err)
			return nil
		}
		return fmt.Errorf("create payment: %w", err)
	}
	log.Info("payment created", "payment_id", p.ID, "amount", p.Amount.String(), "method", p.Method)

	if !s.autoProcess {
		return nil
	}
	return s.processQuietly(ctx, p.ID)
}

// processQuietly treats a lost race with another processor as done.
func (s *Service) processQuietly(ctx context.Context, id string) error {
	_, err := s.Process(ctx, id)
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	return err
}

// Create opens a payment for a PENDING order on behalf of an API caller.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Payment, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.Method = strings.TrimSpace(in.Method)
	if in.OrderID == "" || in.Method == "" {
		return nil, fmt.Errorf("%w: orderId and method are required", domain.ErrValidation)
	}

	octx, cancel := context.WithTimeout(ctx, s.orderTimeout)
	order, err := s.orders.Get(octx, in.OrderID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", in.OrderID, err)
	}
	if order.Status != domain.OrderPending {
		return nil, fmt.Errorf("order %s is already %s: %w", order.ID, order.Status, domain.ErrConflict)
	}

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Amount:    order.TotalPrice,
		Method:    in.Method,
		Status:    domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, fmt.Errorf("order %s already has a payment: %w", order.ID, domain.ErrConflict)
		}
		return nil, err
	}
	s.logger.Info("payment created", "payment_id", p.ID, "order_id", p.OrderID,
		"amount", p.Amount.String(), "method", p.Method)
	return p, nil
}

// Process decides a PENDING payment. The terminal status is committed
// before any remote call, together with a claim that keeps the Reconciler
// away while this call settles it. Later failures release the claim and
// leave the follow-up steps to the Reconciler.
func (s *Service) Process(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentPending {
		return nil, fmt.Errorf("payment %s is already %s: %w", id, p.Status, domain.ErrConflict)
	}

	approved, err := s.decider.Decide(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("authorize payment %s: %w", id, err)
	}
	to := domain.PaymentDeclined
	if approved {
		to = domain.PaymentApproved
	}

	p, err = s.repo.Transition(ctx, id, domain.PaymentPending, to, time.Now().UTC().Add(s.lease))
	if err != nil {
		s.logger.Warn("payment process rejected", "payment_id", id, "error", err)
		return nil, err
	}
	s.logger.Info("payment processed", "payment_id", p.ID, "order_id", p.OrderID, "status", p.Status)

	s.settleClaimed(context.WithoutCancel(ctx), p)
	return p, nil
}

// settleClaimed settles a payment this process holds the claim on and
// hands it back when a step is still missing.
func (s *Service) settleClaimed(ctx context.Context, p *domain.Payment) {
	s.settle(ctx, p)
	if p.Settled() {
		return
	}
	if err := s.repo.ReleaseClaim(ctx, p.ID); err != nil {
		s.logger.Error("payment claim release failed", "payment_id", p.ID, "error", err)
	}
}

// settle runs the follow-up steps of a terminal payment that have not
// completed yet and records each one that succeeds.
func (s *Service) settle(ctx context.Context, p *domain.Payment) {
	log := s.logger.With("payment_id", p.ID, "order_id", p.OrderID, "status", p.Status)

	if !p.OrderSynced {
		if err := s.syncOrder(ctx, p); err != nil {
			log.Error("order transition failed", "error", err)
		} else if err := s.repo.MarkOrderSynced(ctx, p.ID); err != nil {
			log.Error("mark order synced failed", "error", err)
		} else {
			p.OrderSynced = true
		}
	}

	if !p.OutcomePublished {
		if err := s.publishOutcome(ctx, p); err != nil {
			log.Error("payment outcome publish failed", "error", err)
		} else if err := s.repo.MarkOutcomePublished(ctx, p.ID); err != nil {
			log.Error("mark outcome published failed", "error", err)
		} else {
			p.OutcomePublished = true
		}
	}
}

func (s *Service) syncOrder(ctx context.Context, p *domain.Payment) error {
	ctx, cancel := context.WithTimeout(ctx, s.orderTimeout)
	defer cancel()

	var err error
	if p.Status == domain.PaymentApproved {
		err = s.orders.Confirm(ctx, p.OrderID)
	} else {
		err = s.orders.Cancel(ctx, p.OrderID)
	}
	if errors.Is(err, domain.ErrConflict) {
		s.logger.Warn("order already settled", "payment_id", p.ID, "order_id", p.OrderID, "error", err)
		return nil
	}
	return err
}

func (s *Service) publishOutcome(ctx context.Context, p *domain.Payment) error {
	ev := messaging.NewPaymentOutcome(p.OrderID, p.ID, p.Status == domain.PaymentApproved,
		customerName(p.UserID), p.Amount)
	msg, err := messaging.NewMessage(ev)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, s.queue, msg)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return s.repo.Get(ctx, id)
}

// List returns every payment, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Payment, error) {
	return s.repo.List(ctx)
}
