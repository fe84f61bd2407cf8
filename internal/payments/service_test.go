package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
	"github.com/nsridhar76/go-fulfillment/internal/messaging/memory"
	"github.com/nsridhar76/go-fulfillment/internal/messaging/noop"
	"github.com/nsridhar76/go-fulfillment/internal/orders"
	memstore "github.com/nsridhar76/go-fulfillment/internal/store/memory"
	"github.com/nsridhar76/go-fulfillment/internal/testutil"
)

// localOrders calls the order service in-process.
type localOrders struct {
	svc *orders.Service

	mu          sync.Mutex
	failConfirm int
	failCancel  int
}

func (l *localOrders) Get(ctx context.Context, id string) (*domain.Order, error) {
	return l.svc.Get(ctx, id)
}

func (l *localOrders) Confirm(ctx context.Context, id string) error {
	l.mu.Lock()
	if l.failConfirm > 0 {
		l.failConfirm--
		l.mu.Unlock()
		return errors.New("orders service unavailable")
	}
	l.mu.Unlock()
	_, err := l.svc.Confirm(ctx, id)
	return err
}

func (l *localOrders) Cancel(ctx context.Context, id string) error {
	l.mu.Lock()
	if l.failCancel > 0 {
		l.failCancel--
		l.mu.Unlock()
		return errors.New("orders service unavailable")
	}
	l.mu.Unlock()
	_, err := l.svc.Cancel(ctx, id)
	return err
}

type fixture struct {
	orderSvc *orders.Service
	orders   *memstore.Orders
	gateway  *localOrders
	products *memstore.Products
	payments *memstore.Payments
	broker   *memory.Broker
	sup      *messaging.Supervisor
	logs     *testutil.LogBuffer
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	f := &fixture{
		products: memstore.NewProducts(domain.Product{ID: 1, Name: "pen", Price: decimal.NewFromInt(50), Stock: 10}),
		payments: memstore.NewPayments(),
		orders:   memstore.NewOrders(),
		broker:   memory.NewBroker(),
		logs:     &testutil.LogBuffer{},
	}
	f.orderSvc = orders.NewService(f.orders, f.products, noop.Publisher{}, f.logs.Logger())
	f.gateway = &localOrders{svc: f.orderSvc}
	f.sup = messaging.NewSupervisor(f.broker.Transport("memory"), messaging.SupervisorConfig{
		Retry:          messaging.ConstantRetry(20 * time.Millisecond),
		PublishTimeout: time.Second,
		HandlerTimeout: time.Second,
	}, f.logs.Logger())
	t.Cleanup(f.sup.Close)
	if connect {
		f.connect(t)
	}
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.sup.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.sup.WaitForState(ctx, messaging.StateConnected))
}

func (f *fixture) service(opts ...Option) *Service {
	return NewService(f.payments, f.gateway, f.sup, f.logs.Logger(), opts...)
}

func (f *fixture) order(t *testing.T, qty int) (*domain.Order, messaging.OrderCreated) {
	t.Helper()
	o, err := f.orderSvc.Create(context.Background(), orders.CreateInput{UserID: "ana", ProductID: 1, Quantity: qty})
	require.NoError(t, err)
	return o, messaging.NewOrderCreated(o.ID, o.UserID, o.ProductID, o.Quantity, o.TotalPrice)
}

func (f *fixture) outcomes(t *testing.T) []messaging.PaymentOutcome {
	t.Helper()
	var out []messaging.PaymentOutcome
	for _, m := range f.broker.Published(QueuePaymentOutcomes) {
		ev, err := messaging.Decode(m.Body)
		require.NoError(t, err)
		out = append(out, ev.(messaging.PaymentOutcome))
	}
	return out
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	p, err := f.products.Get(context.Background(), 1)
	require.NoError(t, err)
	return p.Stock
}

func TestForcedApproveConfirmsOrder(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithDecider(Always(true)))
	ctx := context.Background()
	o, ev := f.order(t, 2)

	require.NoError(t, svc.HandleOrderCreated(ctx, ev))

	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, p.Status)
	assert.Equal(t, domain.MethodAuto, p.Method)
	assert.True(t, decimal.NewFromInt(100).Equal(p.Amount))
	assert.True(t, p.Settled())

	got, err := f.orderSvc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderApproved, got.Status)
	assert.Equal(t, 8, f.stock(t))

	outcomes := f.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, o.ID, outcomes[0].OrderID)
	assert.True(t, outcomes[0].Approved)
	assert.Equal(t, "ana", outcomes[0].CustomerName)
}

func TestForcedDeclineCancelsOrderAndRestocks(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithDecider(Always(false)))
	ctx := context.Background()
	o, ev := f.order(t, 3)
	require.Equal(t, 7, f.stock(t))

	require.NoError(t, svc.HandleOrderCreated(ctx, ev))

	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentDeclined, p.Status)

	got, err := f.orderSvc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.Status)
	assert.Equal(t, 10, f.stock(t))

	outcomes := f.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Approved)
}

func TestDuplicateOrderCreatedYieldsOnePayment(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithDecider(Always(true)))
	ctx := context.Background()
	_, ev := f.order(t, 1)

	require.NoError(t, svc.HandleOrderCreated(ctx, ev))
	require.NoError(t, svc.HandleOrderCreated(ctx, ev))

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, f.outcomes(t), 1)
	assert.True(t, f.logs.Has("duplicate order event ignored"))
}

func TestConcurrentDuplicatesYieldOnePayment(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithDecider(Always(true)))
	ctx := context.Background()
	_, ev := f.order(t, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.HandleOrderCreated(ctx, ev))
		}()
	}
	wg.Wait()

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, f.outcomes(t), 1)
}

func TestSecondProcessIsConflictWithoutEvent(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithDecider(Always(true)), WithAutoProcess(false))
	ctx := context.Background()
	o, ev := f.order(t, 1)

	require.NoError(t, svc.HandleOrderCreated(ctx, ev))
	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Empty(t, f.outcomes(t))

	_, err = svc.Process(ctx, p.ID)
	require.NoError(t, err)
	_, err = svc.Process(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Len(t, f.outcomes(t), 1)

	_, err = svc.Process(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedeliveryProcessesPendingPayment(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	o, ev := f.order(t, 1)

	require.NoError(t, f.service(WithAutoProcess(false)).HandleOrderCreated(ctx, ev))
	require.NoError(t, f.service(WithDecider(Always(true))).HandleOrderCreated(ctx, ev))

	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, p.Status)
	assert.Len(t, f.outcomes(t), 1)
}

func TestMissingTotalFallsBackToOrder(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithAutoProcess(false))
	ctx := context.Background()
	o, ev := f.order(t, 2)
	ev.TotalPrice = ""
	ev.UserID = ""

	require.NoError(t, svc.HandleOrderCreated(ctx, ev))
	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(p.Amount))
	assert.Equal(t, "ana", p.UserID)
}

func TestFailedOrderCallIsLoggedAndReconciled(t *testing.T) {
	f := newFixture(t, true)
	f.gateway.failConfirm = 1
	svc := f.service(WithDecider(Always(true)))
	ctx := context.Background()
	o, ev := f.order(t, 1)

	require.NoError(t, svc.HandleOrderCreated(ctx, ev))

	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, p.Status)
	assert.False(t, p.OrderSynced)
	assert.True(t, p.OutcomePublished)
	entries := f.logs.Find("order transition failed")
	require.Len(t, entries, 1)
	assert.Equal(t, o.ID, entries[0]["order_id"])

	got, err := f.orderSvc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, got.Status)

	rec := NewReconciler(svc, time.Hour, 10, f.logs.Logger())
	assert.Equal(t, 1, rec.ReconcileOnce(ctx))
	assert.Equal(t, 0, rec.ReconcileOnce(ctx))

	got, err = f.orderSvc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderApproved, got.Status)
	assert.Len(t, f.outcomes(t), 1)
}

func TestOutcomePublishRetriedAfterReconnect(t *testing.T) {
	f := newFixture(t, false)
	svc := f.service(WithDecider(Always(false)))
	ctx := context.Background()
	o, ev := f.order(t, 1)

	require.NoError(t, svc.HandleOrderCreated(ctx, ev))
	assert.True(t, f.logs.Has("payment outcome publish failed"))

	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, p.OrderSynced)
	assert.False(t, p.OutcomePublished)

	f.connect(t)
	rec := NewReconciler(svc, time.Hour, 10, f.logs.Logger())
	assert.Equal(t, 1, rec.ReconcileOnce(ctx))

	outcomes := f.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Approved)
	assert.Equal(t, 10, f.stock(t))
}

func TestOrderAlreadyTerminalCountsAsSynced(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithDecider(Always(true)))
	ctx := context.Background()
	o, ev := f.order(t, 1)
	_, err := f.orderSvc.Cancel(ctx, o.ID)
	require.NoError(t, err)

	require.NoError(t, svc.HandleOrderCreated(ctx, ev))

	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, p.Settled())
	assert.True(t, f.logs.Has("order already settled"))
}

func TestManualCreate(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithAutoProcess(false))
	ctx := context.Background()
	o, _ := f.order(t, 1)

	_, err := svc.Create(ctx, CreateInput{OrderID: o.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.Create(ctx, CreateInput{OrderID: "missing", Method: "CARD"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p, err := svc.Create(ctx, CreateInput{OrderID: o.ID, Method: "CARD"})
	require.NoError(t, err)
	assert.Equal(t, "CARD", p.Method)
	assert.True(t, o.TotalPrice.Equal(p.Amount))

	_, err = svc.Create(ctx, CreateInput{OrderID: o.ID, Method: "PIX"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	other, _ := f.order(t, 1)
	_, err = f.orderSvc.Confirm(ctx, other.ID)
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{OrderID: other.ID, Method: "CARD"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestWeightedDeciderBounds(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		ok, err := WeightedDecider(1).Decide(ctx, &domain.Payment{})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = WeightedDecider(0).Decide(ctx, &domain.Payment{})
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

// heldPublisher blocks its first publish until release is closed.
type heldPublisher struct {
	messaging.Publisher
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *heldPublisher) Publish(ctx context.Context, dest messaging.Destination, msg messaging.Message) error {
	first := false
	h.once.Do(func() { first = true })
	if first {
		close(h.entered)
		<-h.release
	}
	return h.Publisher.Publish(ctx, dest, msg)
}

func TestReconcilerLeavesPaymentHeldByProcess(t *testing.T) {
	f := newFixture(t, true)
	held := &heldPublisher{Publisher: f.sup, entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(f.payments, f.gateway, held, f.logs.Logger(), WithDecider(Always(true)))
	ctx := context.Background()
	o, ev := f.order(t, 1)

	done := make(chan error, 1)
	go func() { done <- svc.HandleOrderCreated(ctx, ev) }()
	select {
	case <-held.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("outcome publish never started")
	}

	rec := NewReconciler(svc, time.Hour, 10, f.logs.Logger())
	assert.Equal(t, 0, rec.ReconcileOnce(ctx))

	close(held.release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, rec.ReconcileOnce(ctx))

	assert.Len(t, f.outcomes(t), 1)
	got, err := f.orderSvc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderApproved, got.Status)
	assert.False(t, f.logs.Has("order already settled"))
}

func TestReconcilerTakesOverLapsedClaim(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithAutoProcess(false))
	ctx := context.Background()
	o, ev := f.order(t, 1)
	require.NoError(t, svc.HandleOrderCreated(ctx, ev))

	p, err := f.payments.GetByOrderID(ctx, o.ID)
	require.NoError(t, err)
	// A processor that decided the payment and then died.
	_, err = f.payments.Transition(ctx, p.ID, domain.PaymentPending, domain.PaymentDeclined, time.Now().Add(-time.Second))
	require.NoError(t, err)

	rec := NewReconciler(svc, time.Hour, 10, f.logs.Logger())
	assert.Equal(t, 1, rec.ReconcileOnce(ctx))
	require.Len(t, f.outcomes(t), 1)
	assert.Equal(t, 10, f.stock(t))
}

func TestCustomerNameFallsBackWhenUserUnknown(t *testing.T) {
	assert.Equal(t, "user-7", customerName("user-7"))
	assert.Equal(t, "customer", customerName(""))
}
