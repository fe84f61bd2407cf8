package messaging_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsridhar76/go-fulfillment/internal/messaging"
	"github.com/nsridhar76/go-fulfillment/internal/messaging/memory"
	"github.com/nsridhar76/go-fulfillment/internal/testutil"
)

var (
	orderTopic   = messaging.Topic("orders.events")
	outcomeQueue = messaging.Queue("payments.outcomes")
)

func testConfig() messaging.SupervisorConfig {
	return messaging.SupervisorConfig{
		StartupDelay:   10 * time.Millisecond,
		Retry:          messaging.ConstantRetry(50 * time.Millisecond),
		PublishTimeout: time.Second,
		HandlerTimeout: time.Second,
	}
}

func startSupervisor(t *testing.T, b *memory.Broker, logs *testutil.LogBuffer) *messaging.Supervisor {
	t.Helper()
	sup := messaging.NewSupervisor(b.Transport("memory"), testConfig(), logs.Logger())
	sup.Start(context.Background())
	t.Cleanup(sup.Close)
	return sup
}

func waitConnected(t *testing.T, sup *messaging.Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.WaitForState(ctx, messaging.StateConnected))
}

type recorder struct {
	mu   sync.Mutex
	msgs []messaging.Message
}

func (r *recorder) handle(_ context.Context, m messaging.Message) messaging.Disposition {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return messaging.Ack
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m.Body)
	}
	return out
}

func TestPublishFailsFastWhenDisconnected(t *testing.T) {
	b := memory.NewBroker()
	logs := &testutil.LogBuffer{}
	sup := messaging.NewSupervisor(b.Transport("memory"), testConfig(), logs.Logger())

	start := time.Now()
	err := sup.Publish(context.Background(), orderTopic, messaging.Message{Body: []byte("x")})
	assert.ErrorIs(t, err, messaging.ErrNotConnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, messaging.StateDisconnected, sup.State())
	assert.True(t, logs.Has("publish rejected"))
}

func TestSupervisorConnectsAfterStartupDelay(t *testing.T) {
	b := memory.NewBroker()
	logs := &testutil.LogBuffer{}
	var states []messaging.State
	var mu sync.Mutex

	sup := messaging.NewSupervisor(b.Transport("memory"), testConfig(), logs.Logger())
	sup.OnStateChange(func(s messaging.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	sup.Start(context.Background())
	defer sup.Close()

	waitConnected(t, sup)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []messaging.State{messaging.StateConnecting, messaging.StateConnected}, states)
	mu.Unlock()
	assert.Equal(t, 1, b.Dials())
}

func TestTopicDeliveryAndLogging(t *testing.T) {
	b := memory.NewBroker()
	logs := &testutil.LogBuffer{}
	sup := startSupervisor(t, b, logs)

	rec := &recorder{}
	sup.Subscribe(orderTopic, "payments", rec.handle)
	waitConnected(t, sup)

	msg := messaging.Message{ID: "m-1", CorrelationID: "o-1", Type: "order.created", Body: []byte("a")}
	require.NoError(t, sup.Publish(context.Background(), orderTopic, msg))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Committed("orders.events", "payments") == 1 }, time.Second, 5*time.Millisecond)

	published := logs.Find("message published")
	require.Len(t, published, 1)
	assert.Equal(t, "orders.events", published[0]["destination"])
	assert.Equal(t, "o-1", published[0]["correlation_id"])

	received := logs.Find("message received")
	require.Len(t, received, 1)
	assert.Equal(t, "m-1", received[0]["message_id"])
}

func TestConsumerGroupsEachReceiveEveryMessage(t *testing.T) {
	b := memory.NewBroker()
	sup := startSupervisor(t, b, &testutil.LogBuffer{})

	a, c := &recorder{}, &recorder{}
	sup.Subscribe(orderTopic, "payments", a.handle)
	sup.Subscribe(orderTopic, "audit", c.handle)
	waitConnected(t, sup)

	for i := 0; i < 3; i++ {
		require.NoError(t, sup.Publish(context.Background(), orderTopic, messaging.Message{Body: []byte{byte('a' + i)}}))
	}
	require.Eventually(t, func() bool { return a.count() == 3 && c.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	b := memory.NewBroker()
	logs := &testutil.LogBuffer{}
	sup := startSupervisor(t, b, logs)

	rec := &recorder{}
	sup.Subscribe(outcomeQueue, "notification", rec.handle)
	waitConnected(t, sup)

	require.NoError(t, sup.Publish(context.Background(), outcomeQueue, messaging.Message{Body: []byte("before")}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	dropped := time.Now()
	b.Disconnect(errors.New("broker restarted"))

	require.Eventually(t, func() bool { return b.Dials() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(dropped), 50*time.Millisecond)
	waitConnected(t, sup)

	require.NoError(t, sup.Publish(context.Background(), outcomeQueue, messaging.Message{Body: []byte("after")}))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"before", "after"}, rec.bodies())
	assert.True(t, logs.Has("broker connection lost"))
}

func TestTopicResumesFromCommittedOffset(t *testing.T) {
	b := memory.NewBroker()
	consumer := startSupervisor(t, b, &testutil.LogBuffer{})
	producer := startSupervisor(t, b, &testutil.LogBuffer{})

	rec := &recorder{}
	consumer.Subscribe(orderTopic, "payments", rec.handle)
	waitConnected(t, consumer)
	waitConnected(t, producer)

	require.NoError(t, producer.Publish(context.Background(), orderTopic, messaging.Message{Body: []byte("1")}))
	require.Eventually(t, func() bool { return b.Committed("orders.events", "payments") == 1 }, time.Second, 5*time.Millisecond)

	b.Disconnect(nil)
	require.Eventually(t, func() bool { return b.Dials() == 4 }, 2*time.Second, 5*time.Millisecond)
	waitConnected(t, producer)
	waitConnected(t, consumer)
	require.NoError(t, producer.Publish(context.Background(), orderTopic, messaging.Message{Body: []byte("2")}))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, rec.bodies())
}

func TestNewGroupStartsAtNewestOffset(t *testing.T) {
	b := memory.NewBroker()
	logs := &testutil.LogBuffer{}
	sup := startSupervisor(t, b, logs)
	waitConnected(t, sup)

	require.NoError(t, sup.Publish(context.Background(), orderTopic, messaging.Message{Body: []byte("old")}))

	rec := &recorder{}
	sup.Subscribe(orderTopic, "late", rec.handle)
	require.Eventually(t, func() bool { return logs.Has("subscription active") }, time.Second, 5*time.Millisecond)
	require.NoError(t, sup.Publish(context.Background(), orderTopic, messaging.Message{Body: []byte("new")}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"new"}, rec.bodies())
}

func TestQueueRequeueRedelivers(t *testing.T) {
	b := memory.NewBroker()
	sup := startSupervisor(t, b, &testutil.LogBuffer{})

	var calls atomic.Int32
	sup.Subscribe(outcomeQueue, "notification", func(context.Context, messaging.Message) messaging.Disposition {
		if calls.Add(1) == 1 {
			return messaging.Requeue
		}
		return messaging.Ack
	})
	waitConnected(t, sup)

	require.NoError(t, sup.Publish(context.Background(), outcomeQueue, messaging.Message{Body: []byte("x")}))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		ready, unacked := b.QueueDepth("payments.outcomes")
		return ready == 0 && unacked == 0
	}, time.Second, 5*time.Millisecond)
}

func TestUnackedQueueMessageRedeliveredAfterDisconnect(t *testing.T) {
	b := memory.NewBroker()
	sup := startSupervisor(t, b, &testutil.LogBuffer{})

	var calls atomic.Int32
	release := make(chan struct{})
	sup.Subscribe(outcomeQueue, "notification", func(context.Context, messaging.Message) messaging.Disposition {
		if calls.Add(1) == 1 {
			<-release
		}
		return messaging.Ack
	})
	waitConnected(t, sup)

	require.NoError(t, sup.Publish(context.Background(), outcomeQueue, messaging.Message{Body: []byte("x")}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	b.Disconnect(nil)
	ready, _ := b.QueueDepth("payments.outcomes")
	assert.Equal(t, 1, ready)
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestTopicHandlerFailureIsSkipped(t *testing.T) {
	b := memory.NewBroker()
	logs := &testutil.LogBuffer{}
	sup := startSupervisor(t, b, logs)

	var calls atomic.Int32
	sup.Subscribe(orderTopic, "payments", func(context.Context, messaging.Message) messaging.Disposition {
		calls.Add(1)
		return messaging.Requeue
	})
	waitConnected(t, sup)

	require.NoError(t, sup.Publish(context.Background(), orderTopic, messaging.Message{CorrelationID: "o-7", Body: []byte("x")}))
	require.Eventually(t, func() bool { return b.Committed("orders.events", "payments") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	skipped := logs.Find("message skipped after handler failure")
	require.Len(t, skipped, 1)
	assert.Equal(t, "o-7", skipped[0]["correlation_id"])
}

func TestHandlerPanicRequeues(t *testing.T) {
	b := memory.NewBroker()
	logs := &testutil.LogBuffer{}
	sup := startSupervisor(t, b, logs)

	var calls atomic.Int32
	sup.Subscribe(outcomeQueue, "notification", func(context.Context, messaging.Message) messaging.Disposition {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return messaging.Ack
	})
	waitConnected(t, sup)

	require.NoError(t, sup.Publish(context.Background(), outcomeQueue, messaging.Message{Body: []byte("x")}))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, logs.Has("handler panic"))
}

func TestConnectRetriedUntilBrokerReachable(t *testing.T) {
	b := memory.NewBroker()
	b.FailDials(errors.New("connection refused"))
	logs := &testutil.LogBuffer{}
	sup := startSupervisor(t, b, logs)

	require.Eventually(t, func() bool { return b.Dials() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, messaging.StateConnected, sup.State())
	assert.True(t, logs.Has("broker connect failed"))

	b.FailDials(nil)
	waitConnected(t, sup)
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	b := memory.NewBroker()
	b.FailDials(errors.New("connection refused"))
	logs := &testutil.LogBuffer{}

	cfg := testConfig()
	cfg.Retry = messaging.RetryPolicy{Delay: 10 * time.Millisecond, MaxAttempts: 2}
	sup := messaging.NewSupervisor(b.Transport("memory"), cfg, logs.Logger())
	sup.Start(context.Background())

	require.Eventually(t, func() bool { return logs.Has("broker connect failed, giving up") }, 2*time.Second, 5*time.Millisecond)
	sup.Close()
	assert.Equal(t, 3, b.Dials())
}
