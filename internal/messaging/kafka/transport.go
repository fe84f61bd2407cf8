// Package kafka implements the append-log transport on segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// Config describes the Kafka cluster.
type Config struct {
	Brokers           []string
	Partitions        int
	ReplicationFactor int
	// HealthInterval is how often a session checks the cluster to detect
	// a lost connection.
	HealthInterval time.Duration
}

// Transport dials Kafka sessions.
type Transport struct {
	cfg Config
}

// NewTransport returns a Transport for cfg.
func NewTransport(cfg Config) *Transport {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 3
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) Name() string { return "kafka" }

// Dial opens a control connection to the first reachable broker. Writers
// and readers are created lazily per destination.
func (t *Transport) Dial(ctx context.Context) (messaging.Session, error) {
	if len(t.cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	var (
		conn *kafka.Conn
		err  error
	)
	for _, addr := range t.cfg.Brokers {
		conn, err = kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("kafka dial: %w", err)
	}

	s := &session{
		cfg:  t.cfg,
		conn: conn,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(t.cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		done: make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

type session struct {
	cfg    Config
	conn   *kafka.Conn
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	err     error
	closed  bool
	done    chan struct{}
}

// watch pings the control connection and fails the session on error.
func (s *session) watch() {
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if _, err := s.conn.Brokers(); err != nil {
				s.fail(fmt.Errorf("kafka health check: %w", err))
				return
			}
		}
	}
}

func (s *session) Declare(_ context.Context, dest messaging.Destination) error {
	if dest.Kind != messaging.KindTopic {
		return fmt.Errorf("kafka %s %q: %w", dest.Kind, dest.Name, messaging.ErrUnsupportedDestination)
	}
	controller, err := s.conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	cc, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka controller dial: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             dest.Name,
		NumPartitions:     s.cfg.Partitions,
		ReplicationFactor: s.cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topic %q: %w", dest.Name, err)
	}
	return nil
}

func (s *session) Publish(ctx context.Context, dest messaging.Destination, msg messaging.Message) error {
	if dest.Kind != messaging.KindTopic {
		return fmt.Errorf("kafka %s %q: %w", dest.Kind, dest.Name, messaging.ErrUnsupportedDestination)
	}
	if s.isClosed() {
		return messaging.ErrClosed
	}
	return s.writer.WriteMessages(ctx, toKafka(dest.Name, msg))
}

func (s *session) Consume(_ context.Context, dest messaging.Destination, group string) (messaging.Receiver, error) {
	if dest.Kind != messaging.KindTopic {
		return nil, fmt.Errorf("kafka %s %q: %w", dest.Kind, dest.Name, messaging.ErrUnsupportedDestination)
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.cfg.Brokers,
		GroupID:     group,
		Topic:       dest.Name,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = r.Close()
		return nil, messaging.ErrClosed
	}
	s.readers = append(s.readers, r)
	return &receiver{r: r}, nil
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

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) fail(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	readers := s.readers
	s.readers = nil
	close(s.done)
	s.mu.Unlock()

	for _, r := range readers {
		_ = r.Close()
	}
	_ = s.writer.Close()
	_ = s.conn.Close()
}

type receiver struct {
	r *kafka.Reader
}

func (rc *receiver) Receive(ctx context.Context) (messaging.Delivery, error) {
	m, err := rc.r.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &delivery{r: rc.r, m: m}, nil
}

func (rc *receiver) Close() error { return rc.r.Close() }

type delivery struct {
	r *kafka.Reader
	m kafka.Message
}

func (d *delivery) Message() messaging.Message { return fromKafka(d.m) }

// Ack commits the offset for the consumer group.
func (d *delivery) Ack(ctx context.Context) error {
	return d.r.CommitMessages(ctx, d.m)
}

// Nack leaves the offset uncommitted; the message is fetched again after
// the next rebalance or reconnect.
func (d *delivery) Nack(context.Context, bool) error { return nil }

func toKafka(topic string, msg messaging.Message) kafka.Message {
	headers := []kafka.Header{
		{Key: messaging.HeaderMessageID, Value: []byte(msg.ID)},
		{Key: messaging.HeaderType, Value: []byte(msg.Type)},
		{Key: messaging.HeaderCorrelationID, Value: []byte(msg.CorrelationID)},
	}
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now(),
	}
}

func fromKafka(m kafka.Message) messaging.Message {
	out := messaging.Message{
		Key:  string(m.Key),
		Body: m.Value,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case messaging.HeaderMessageID:
			out.ID = string(h.Value)
		case messaging.HeaderType:
			out.Type = string(h.Value)
		case messaging.HeaderCorrelationID:
			out.CorrelationID = string(h.Value)
		default:
			if out.Headers == nil {
				out.Headers = make(map[string]string)
			}
			out.Headers[h.Key] = string(h.Value)
		}
	}
	return out
}
