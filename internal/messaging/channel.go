package messaging

import (
	"context"
	"errors"
)

// Transport errors.
var (
	ErrNotConnected           = errors.New("messaging: not connected")
	ErrClosed                 = errors.New("messaging: session closed")
	ErrUnsupportedDestination = errors.New("messaging: unsupported destination kind")
)

// Kind selects the delivery semantics of a destination.
type Kind int

const (
	// KindTopic is an append log where every consumer group sees every message.
	KindTopic Kind = iota + 1
	// KindQueue is a work queue where one competing consumer gets each message.
	KindQueue
)

func (k Kind) String() string {
	switch k {
	case KindTopic:
		return "topic"
	case KindQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// Destination names a durable topic or queue.
type Destination struct {
	Name string
	Kind Kind
}

// Topic returns an append-log destination.
func Topic(name string) Destination { return Destination{Name: name, Kind: KindTopic} }

// Queue returns a work-queue destination.
func Queue(name string) Destination { return Destination{Name: name, Kind: KindQueue} }

// Header keys used by transports that carry message metadata separately
// from the body.
const (
	HeaderMessageID     = "message-id"
	HeaderType          = "event-type"
	HeaderCorrelationID = "correlation-id"
)

// Message is the unit handed to a transport. The body is owned by the
// transport once published and by the handler once delivered.
type Message struct {
	ID            string
	Key           string
	Type          string
	CorrelationID string
	Body          []byte
	Headers       map[string]string
}

// Disposition is a handler's verdict on a delivered message.
type Disposition int

const (
	// Ack settles the message.
	Ack Disposition = iota
	// Requeue asks for redelivery. Topics log and skip instead.
	Requeue
)

func (d Disposition) String() string {
	if d == Ack {
		return "ack"
	}
	return "requeue"
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) Disposition

// Publisher enqueues messages for a destination.
type Publisher interface {
	Publish(ctx context.Context, dest Destination, msg Message) error
}

// Subscriber registers handlers for a destination and consumer group.
type Subscriber interface {
	Subscribe(dest Destination, group string, h Handler)
}

// Channel is a Publisher and Subscriber over a single transport.
type Channel interface {
	Publisher
	Subscriber
}

// Transport opens sessions against a broker.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Session, error)
}

// Session is one live broker connection. Done is closed once the session
// is lost or closed, after which Err reports the cause.
type Session interface {
	Declare(ctx context.Context, dest Destination) error
	Publish(ctx context.Context, dest Destination, msg Message) error
	Consume(ctx context.Context, dest Destination, group string) (Receiver, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Receiver blocks until the next delivery for one subscription.
type Receiver interface {
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is a received message awaiting settlement.
type Delivery interface {
	Message() Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}
