// Package messaging defines the saga event envelopes and the channel
// abstraction used to move them between services.
package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event type constants carried in the envelope's type tag.
const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventPaymentOutcome     = "payment.outcome"
)

// SchemaVersion is the only envelope version this build reads and writes.
const SchemaVersion = 1

// ErrMalformedEvent is returned by Decode for payloads that do not match a
// known schema.
var ErrMalformedEvent = errors.New("malformed event")

// Event is implemented by every envelope type.
type Event interface {
	EventType() string
	CorrelationID() string
	validate() error
}

// OrderCreated is published once per persisted order.
type OrderCreated struct {
	Type       string      `json:"type"`
	Version    int         `json:"version"`
	OrderID    string      `json:"orderId"`
	UserID     string      `json:"userId,omitempty"`
	ProductID  int64       `json:"productId"`
	Quantity   int         `json:"quantity"`
	TotalPrice json.Number `json:"totalPrice,omitempty"`
}

// NewOrderCreated builds a versioned OrderCreated envelope.
func NewOrderCreated(orderID, userID string, productID int64, quantity int, total decimal.Decimal) OrderCreated {
	return OrderCreated{
		Type:       EventOrderCreated,
		Version:    SchemaVersion,
		OrderID:    orderID,
		UserID:     userID,
		ProductID:  productID,
		Quantity:   quantity,
		TotalPrice: json.Number(total.String()),
	}
}

func (e OrderCreated) EventType() string     { return EventOrderCreated }
func (e OrderCreated) CorrelationID() string { return e.OrderID }

// Total returns the order total and whether the event carried one.
func (e OrderCreated) Total() (decimal.Decimal, bool) {
	if e.TotalPrice == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(string(e.TotalPrice))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (e OrderCreated) validate() error {
	switch {
	case e.OrderID == "":
		return fmt.Errorf("%w: orderId is required", ErrMalformedEvent)
	case e.ProductID <= 0:
		return fmt.Errorf("%w: productId is required", ErrMalformedEvent)
	case e.Quantity < 1:
		return fmt.Errorf("%w: quantity must be positive", ErrMalformedEvent)
	}
	if e.TotalPrice != "" {
		d, err := decimal.NewFromString(string(e.TotalPrice))
		if err != nil || d.IsNegative() {
			return fmt.Errorf("%w: totalPrice %q is invalid", ErrMalformedEvent, e.TotalPrice)
		}
	}
	return nil
}

// OrderStatusChanged is published when an order reaches a terminal state.
type OrderStatusChanged struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	OrderID   string `json:"orderId"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
}

// NewOrderStatusChanged builds a versioned OrderStatusChanged envelope.
func NewOrderStatusChanged(orderID, oldStatus, newStatus string) OrderStatusChanged {
	return OrderStatusChanged{
		Type:      EventOrderStatusChanged,
		Version:   SchemaVersion,
		OrderID:   orderID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	}
}

func (e OrderStatusChanged) EventType() string     { return EventOrderStatusChanged }
func (e OrderStatusChanged) CorrelationID() string { return e.OrderID }

func (e OrderStatusChanged) validate() error {
	if e.OrderID == "" || e.OldStatus == "" || e.NewStatus == "" {
		return fmt.Errorf("%w: orderId, oldStatus and newStatus are required", ErrMalformedEvent)
	}
	return nil
}

// PaymentOutcome reports the authorization decision for an order.
type PaymentOutcome struct {
	Type         string      `json:"type"`
	Version      int         `json:"version"`
	OrderID      string      `json:"orderId"`
	PaymentID    string      `json:"paymentId,omitempty"`
	Approved     bool        `json:"approved"`
	CustomerName string      `json:"nomeCliente"`
	Amount       json.Number `json:"amount,omitempty"`
}

// NewPaymentOutcome builds a versioned PaymentOutcome envelope.
func NewPaymentOutcome(orderID, paymentID string, approved bool, customer string, amount decimal.Decimal) PaymentOutcome {
	return PaymentOutcome{
		Type:         EventPaymentOutcome,
		Version:      SchemaVersion,
		OrderID:      orderID,
		PaymentID:    paymentID,
		Approved:     approved,
		CustomerName: customer,
		Amount:       json.Number(amount.String()),
	}
}

func (e PaymentOutcome) EventType() string     { return EventPaymentOutcome }
func (e PaymentOutcome) CorrelationID() string { return e.OrderID }

func (e PaymentOutcome) validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", ErrMalformedEvent)
	}
	if e.CustomerName == "" {
		return fmt.Errorf("%w: nomeCliente is required", ErrMalformedEvent)
	}
	return nil
}

// NewMessage serializes ev into a transport message keyed by its
// correlation id.
func NewMessage(ev Event) (Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return Message{
		ID:            uuid.NewString(),
		Key:           ev.CorrelationID(),
		Type:          ev.EventType(),
		CorrelationID: ev.CorrelationID(),
		Body:          body,
	}, nil
}

// Decode parses body into the envelope named by its type tag. Unknown
// types, versions and fields as well as missing required fields are
// rejected with ErrMalformedEvent.
func Decode(body []byte) (Event, error) {
	var hdr struct {
		Type    string `json:"type"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(body, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if hdr.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEvent, hdr.Version)
	}

	var ev Event
	switch hdr.Type {
	case EventOrderCreated:
		var e OrderCreated
		if err := decodeStrict(body, &e); err != nil {
			return nil, err
		}
		ev = e
	case EventOrderStatusChanged:
		var e OrderStatusChanged
		if err := decodeStrict(body, &e); err != nil {
			return nil, err
		}
		ev = e
	case EventPaymentOutcome:
		var e PaymentOutcome
		if err := decodeStrict(body, &e); err != nil {
			return nil, err
		}
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, hdr.Type)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
