// Package memory provides an in-process broker with topic and work-queue
// semantics. It outlives individual sessions, so tests can drop every
// connection and observe redelivery and resumption.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

type cursor struct {
	committed int
	next      int
}

type topicLog struct {
	msgs   []messaging.Message
	groups map[string]*cursor
}

type inflight struct {
	tag  uint64
	msg  messaging.Message
	sess *Session
}

type workQueue struct {
	ready   []messaging.Message
	unacked map[uint64]*inflight
}

// Broker holds durable destinations shared by all sessions.
type Broker struct {
	mu        sync.Mutex
	topics    map[string]*topicLog
	queues    map[string]*workQueue
	published map[string][]messaging.Message
	sessions  map[*Session]struct{}
	wake      chan struct{}
	dialErr   error
	dials     int
	nextTag   uint64
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics:    make(map[string]*topicLog),
		queues:    make(map[string]*workQueue),
		published: make(map[string][]messaging.Message),
		sessions:  make(map[*Session]struct{}),
		wake:      make(chan struct{}),
	}
}

// Transport returns a messaging.Transport dialing this broker.
func (b *Broker) Transport(name string) messaging.Transport {
	return transport{name: name, b: b}
}

// FailDials makes every following dial fail with err until called with nil.
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// Dials returns the number of dial attempts so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Disconnect closes every open session with cause, as a broker restart or
// network partition would.
func (b *Broker) Disconnect(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		b.closeSessionLocked(s, cause)
	}
}

// Published returns a copy of every message accepted for name, in order.
func (b *Broker) Published(name string) []messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.Message(nil), b.published[name]...)
}

// QueueDepth returns the ready and unacknowledged counts of a queue.
func (b *Broker) QueueDepth(name string) (ready, unacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, 0
	}
	return len(q.ready), len(q.unacked)
}

// Committed returns the committed offset of a consumer group on a topic.
func (b *Broker) Committed(topic, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	if c, ok := t.groups[group]; ok {
		return c.committed
	}
	return 0
}

func (b *Broker) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Broker) closeSessionLocked(s *Session, cause error) {
	if s.closed {
		return
	}
	s.closed = true
	if cause == nil {
		cause = messaging.ErrClosed
	}
	s.err = cause
	close(s.done)
	delete(b.sessions, s)

	for _, q := range b.queues {
		var back []*inflight
		for tag, in := range q.unacked {
			if in.sess == s {
				back = append(back, in)
				delete(q.unacked, tag)
			}
		}
		sort.Slice(back, func(i, j int) bool { return back[i].tag < back[j].tag })
		requeued := make([]messaging.Message, 0, len(back)+len(q.ready))
		for _, in := range back {
			requeued = append(requeued, in.msg)
		}
		q.ready = append(requeued, q.ready...)
	}
	for _, c := range s.cursors {
		c.next = c.committed
	}
	b.broadcastLocked()
}

type transport struct {
	name string
	b    *Broker
}

func (t transport) Name() string { return t.name }

func (t transport) Dial(ctx context.Context) (messaging.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	s := &Session{b: b, done: make(chan struct{})}
	b.sessions[s] = struct{}{}
	return s, nil
}

// Session is one connection to a Broker.
type Session struct {
	b       *Broker
	done    chan struct{}
	err     error
	closed  bool
	cursors []*cursor
}

func (s *Session) Declare(_ context.Context, dest messaging.Destination) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return messaging.ErrClosed
	}
	switch dest.Kind {
	case messaging.KindTopic:
		if _, ok := b.topics[dest.Name]; !ok {
			b.topics[dest.Name] = &topicLog{groups: make(map[string]*cursor)}
		}
	case messaging.KindQueue:
		if _, ok := b.queues[dest.Name]; !ok {
			b.queues[dest.Name] = &workQueue{unacked: make(map[uint64]*inflight)}
		}
	default:
		return messaging.ErrUnsupportedDestination
	}
	return nil
}

func (s *Session) Publish(ctx context.Context, dest messaging.Destination, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return messaging.ErrClosed
	}
	msg = clone(msg)
	switch dest.Kind {
	case messaging.KindTopic:
		t, ok := b.topics[dest.Name]
		if !ok {
			return fmt.Errorf("topic %q not declared", dest.Name)
		}
		t.msgs = append(t.msgs, msg)
	case messaging.KindQueue:
		q, ok := b.queues[dest.Name]
		if !ok {
			return fmt.Errorf("queue %q not declared", dest.Name)
		}
		q.ready = append(q.ready, msg)
	default:
		return messaging.ErrUnsupportedDestination
	}
	b.published[dest.Name] = append(b.published[dest.Name], msg)
	b.broadcastLocked()
	return nil
}

func (s *Session) Consume(_ context.Context, dest messaging.Destination, group string) (messaging.Receiver, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil, messaging.ErrClosed
	}
	switch dest.Kind {
	case messaging.KindTopic:
		t, ok := b.topics[dest.Name]
		if !ok {
			return nil, fmt.Errorf("topic %q not declared", dest.Name)
		}
		c, ok := t.groups[group]
		if !ok {
			// New groups start at the end of the log.
			c = &cursor{committed: len(t.msgs), next: len(t.msgs)}
			t.groups[group] = c
		}
		s.cursors = append(s.cursors, c)
		return &topicReceiver{s: s, t: t, c: c}, nil
	case messaging.KindQueue:
		q, ok := b.queues[dest.Name]
		if !ok {
			return nil, fmt.Errorf("queue %q not declared", dest.Name)
		}
		return &queueReceiver{s: s, q: q}, nil
	default:
		return nil, messaging.ErrUnsupportedDestination
	}
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.closeSessionLocked(s, nil)
	return nil
}

// wait blocks until try yields a delivery, the session closes or ctx ends.
func (s *Session) wait(ctx context.Context, try func() (messaging.Delivery, bool)) (messaging.Delivery, error) {
	b := s.b
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return nil, messaging.ErrClosed
		}
		if d, ok := try(); ok {
			b.mu.Unlock()
			return d, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
		case <-wake:
		}
	}
}

type topicReceiver struct {
	s *Session
	t *topicLog
	c *cursor
}

func (r *topicReceiver) Receive(ctx context.Context) (messaging.Delivery, error) {
	return r.s.wait(ctx, func() (messaging.Delivery, bool) {
		if r.c.next >= len(r.t.msgs) {
			return nil, false
		}
		off := r.c.next
		r.c.next++
		return &topicDelivery{r: r, offset: off, msg: clone(r.t.msgs[off])}, true
	})
}

func (r *topicReceiver) Close() error { return nil }

type topicDelivery struct {
	r      *topicReceiver
	offset int
	msg    messaging.Message
}

func (d *topicDelivery) Message() messaging.Message { return d.msg }

func (d *topicDelivery) Ack(context.Context) error {
	b := d.r.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.r.s.closed {
		return messaging.ErrClosed
	}
	if d.offset+1 > d.r.c.committed {
		d.r.c.committed = d.offset + 1
	}
	return nil
}

func (d *topicDelivery) Nack(context.Context, bool) error { return nil }

type queueReceiver struct {
	s *Session
	q *workQueue
}

func (r *queueReceiver) Receive(ctx context.Context) (messaging.Delivery, error) {
	return r.s.wait(ctx, func() (messaging.Delivery, bool) {
		if len(r.q.ready) == 0 {
			return nil, false
		}
		msg := r.q.ready[0]
		r.q.ready = r.q.ready[1:]
		r.s.b.nextTag++
		in := &inflight{tag: r.s.b.nextTag, msg: msg, sess: r.s}
		r.q.unacked[in.tag] = in
		return &queueDelivery{r: r, tag: in.tag, msg: clone(msg)}, true
	})
}

func (r *queueReceiver) Close() error { return nil }

type queueDelivery struct {
	r   *queueReceiver
	tag uint64
	msg messaging.Message
}

func (d *queueDelivery) Message() messaging.Message { return d.msg }

func (d *queueDelivery) Ack(context.Context) error {
	return d.settle(false)
}

func (d *queueDelivery) Nack(_ context.Context, requeue bool) error {
	return d.settle(requeue)
}

func (d *queueDelivery) settle(requeue bool) error {
	b := d.r.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.r.s.closed {
		return messaging.ErrClosed
	}
	in, ok := d.r.q.unacked[d.tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", d.tag)
	}
	delete(d.r.q.unacked, d.tag)
	if requeue {
		d.r.q.ready = append([]messaging.Message{in.msg}, d.r.q.ready...)
		b.broadcastLocked()
	}
	return nil
}

func clone(m messaging.Message) messaging.Message {
	m.Body = append([]byte(nil), m.Body...)
	if m.Headers != nil {
		h := make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			h[k] = v
		}
		m.Headers = h
	}
	return m
}
