package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
	"github.com/nsridhar76/go-fulfillment/internal/orders"
)

func TestOrderEventsHandlerDispositions(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithDecider(Always(true)))
	h := svc.OrderEventsHandler()
	ctx := context.Background()

	assert.Equal(t, messaging.Ack, h(ctx, messaging.Message{ID: "m-1", Body: []byte(`{"type":"order.created"}`)}))
	assert.True(t, f.logs.Has("malformed order event dropped"))

	changed, err := messaging.NewMessage(messaging.NewOrderStatusChanged("o-1", "PENDING", "APPROVED"))
	require.NoError(t, err)
	assert.Equal(t, messaging.Ack, h(ctx, changed))

	missing, err := messaging.NewMessage(messaging.OrderCreated{
		Type: messaging.EventOrderCreated, Version: messaging.SchemaVersion,
		OrderID: "ghost", ProductID: 1, Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, messaging.Requeue, h(ctx, missing))
	assert.True(t, f.logs.Has("order created handling failed"))

	_, ev := f.order(t, 1)
	msg, err := messaging.NewMessage(ev)
	require.NoError(t, err)
	assert.Equal(t, messaging.Ack, h(ctx, msg))
	assert.Len(t, f.outcomes(t), 1)
}

func TestSagaOverBroker(t *testing.T) {
	f := newFixture(t, true)
	svc := f.service(WithDecider(Always(true)))
	f.sup.Subscribe(messaging.Topic(orders.TopicOrderEvents), ConsumerGroup, svc.OrderEventsHandler())

	// the order service publishes through its own supervisor on the same broker
	orderSup := messaging.NewSupervisor(f.broker.Transport("memory"), messaging.SupervisorConfig{
		Retry: messaging.ConstantRetry(20 * time.Millisecond),
	}, f.logs.Logger())
	orderSup.Start(context.Background())
	t.Cleanup(orderSup.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orderSup.WaitForState(ctx, messaging.StateConnected))
	require.Eventually(t, func() bool { return f.logs.Has("subscription active") }, 2*time.Second, 10*time.Millisecond)

	orderSvc := orders.NewService(f.orders, f.products, orderSup, f.logs.Logger())
	o, err := orderSvc.Create(context.Background(), orders.CreateInput{UserID: "ana", ProductID: 1, Quantity: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.orderSvc.Get(context.Background(), o.ID)
		return err == nil && got.Status == domain.OrderApproved
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.broker.Published(QueuePaymentOutcomes)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 8, f.stock(t))
}
