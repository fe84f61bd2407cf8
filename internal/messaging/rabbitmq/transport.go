// Package rabbitmq implements the durable work-queue transport on
// rabbitmq/amqp091-go.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// Config describes the RabbitMQ connection.
type Config struct {
	URL      string
	Prefetch int
}

// Transport dials RabbitMQ sessions.
type Transport struct {
	cfg Config
}

// NewTransport returns a Transport for cfg.
func NewTransport(cfg Config) *Transport {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) Name() string { return "rabbitmq" }

const (
	handshakeTimeout = 30 * time.Second
	heartbeat        = 10 * time.Second
)

// Dial opens a connection and the single channel shared by publishing and
// consuming. The channel runs in confirm mode. Cancelling ctx aborts both
// the TCP connect and the AMQP handshake.
func (t *Transport) Dial(ctx context.Context) (messaging.Session, error) {
	var stop func() bool
	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// amqp clears the deadline once the connection is open.
			if err := c.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
				c.Close()
				return nil, err
			}
			stop = context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
			return c, nil
		},
	})
	if stop != nil {
		stop()
	}
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq qos: %w", err)
	}

	s := &session{conn: conn, ch: ch, done: make(chan struct{})}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case err := <-connClosed:
			s.fail(closeCause(err))
		case err := <-chClosed:
			s.fail(closeCause(err))
		case <-s.done:
		}
	}()
	return s, nil
}

func closeCause(err *amqp.Error) error {
	if err == nil {
		return messaging.ErrClosed
	}
	return err
}

type session struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
	tags   int
}

func (s *session) Declare(_ context.Context, dest messaging.Destination) error {
	if dest.Kind != messaging.KindQueue {
		return fmt.Errorf("rabbitmq %s %q: %w", dest.Kind, dest.Name, messaging.ErrUnsupportedDestination)
	}
	_, err := s.ch.QueueDeclare(
		dest.Name, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("rabbitmq declare %q: %w", dest.Name, err)
	}
	return nil
}

// Publish sends a persistent message and waits for the broker confirm.
func (s *session) Publish(ctx context.Context, dest messaging.Destination, msg messaging.Message) error {
	if dest.Kind != messaging.KindQueue {
		return fmt.Errorf("rabbitmq %s %q: %w", dest.Kind, dest.Name, messaging.ErrUnsupportedDestination)
	}
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.Key != "" {
		headers["key"] = msg.Key
	}

	conf, err := s.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",        // exchange
		dest.Name, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			MessageId:     msg.ID,
			CorrelationId: msg.CorrelationID,
			Type:          msg.Type,
			ContentType:   "application/json",
			Headers:       headers,
			Body:          msg.Body,
			DeliveryMode:  amqp.Persistent,
		})
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm: %w", err)
	}
	if !ok {
		return errors.New("rabbitmq: publish nacked by broker")
	}
	return nil
}

func (s *session) Consume(_ context.Context, dest messaging.Destination, group string) (messaging.Receiver, error) {
	if dest.Kind != messaging.KindQueue {
		return nil, fmt.Errorf("rabbitmq %s %q: %w", dest.Kind, dest.Name, messaging.ErrUnsupportedDestination)
	}
	s.mu.Lock()
	s.tags++
	tag := fmt.Sprintf("%s-%d", group, s.tags)
	s.mu.Unlock()

	deliveries, err := s.ch.Consume(
		dest.Name, // queue
		tag,       // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consume %q: %w", dest.Name, err)
	}
	return &receiver{s: s, tag: tag, deliveries: deliveries}, nil
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.fail(messaging.ErrClosed)
	return nil
}

func (s *session) fail(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	close(s.done)
	s.mu.Unlock()

	_ = s.ch.Close()
	_ = s.conn.Close()
}

type receiver struct {
	s          *session
	tag        string
	deliveries <-chan amqp.Delivery
}

func (r *receiver) Receive(ctx context.Context) (messaging.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-r.deliveries:
		if !ok {
			return nil, messaging.ErrClosed
		}
		return &delivery{d: d}, nil
	}
}

func (r *receiver) Close() error {
	select {
	case <-r.s.done:
		return nil
	default:
	}
	return r.s.ch.Cancel(r.tag, false)
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Message() messaging.Message {
	return fromDelivery(d.d)
}

func (d *delivery) Ack(context.Context) error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	return d.d.Nack(false, requeue)
}

func fromDelivery(d amqp.Delivery) messaging.Message {
	msg := messaging.Message{
		ID:            d.MessageId,
		Type:          d.Type,
		CorrelationID: d.CorrelationId,
		Body:          d.Body,
	}
	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == "key" {
			msg.Key = s
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}
		msg.Headers[k] = s
	}
	return msg
}
