package messaging

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderCreatedWireShape(t *testing.T) {
	ev := NewOrderCreated("o-1", "u-1", 1, 2, decimal.NewFromInt(100))
	msg, err := NewMessage(ev)
	require.NoError(t, err)

	assert.Equal(t, "o-1", msg.Key)
	assert.Equal(t, "o-1", msg.CorrelationID)
	assert.Equal(t, EventOrderCreated, msg.Type)
	assert.NotEmpty(t, msg.ID)
	assert.JSONEq(t,
		`{"type":"order.created","version":1,"orderId":"o-1","userId":"u-1","productId":1,"quantity":2,"totalPrice":100}`,
		string(msg.Body))
}

func TestDecodeOrderCreated(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"order.created","version":1,"orderId":"o-1","userId":"u","productId":3,"quantity":1,"totalPrice":49.9}`))
	require.NoError(t, err)

	oc, ok := ev.(OrderCreated)
	require.True(t, ok)
	total, ok := oc.Total()
	require.True(t, ok)
	assert.True(t, total.Equal(decimal.RequireFromString("49.9")))
}

func TestDecodeOrderCreatedWithoutTotal(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"order.created","version":1,"orderId":"o-1","productId":3,"quantity":1}`))
	require.NoError(t, err)
	_, ok := ev.(OrderCreated).Total()
	assert.False(t, ok)
}

func TestDecodePaymentOutcome(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"payment.outcome","version":1,"orderId":"o-9","approved":true,"nomeCliente":"Ana"}`))
	require.NoError(t, err)
	po := ev.(PaymentOutcome)
	assert.Equal(t, "Ana", po.CustomerName)
	assert.True(t, po.Approved)
}

func TestDecodeFailsClosed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"unknown type":     `{"type":"order.shipped","version":1,"orderId":"o"}`,
		"wrong version":    `{"type":"order.created","version":2,"orderId":"o","productId":1,"quantity":1}`,
		"unknown field":    `{"type":"order.created","version":1,"orderId":"o","productId":1,"quantity":1,"coupon":"X"}`,
		"missing order id": `{"type":"order.created","version":1,"productId":1,"quantity":1}`,
		"zero quantity":    `{"type":"order.created","version":1,"orderId":"o","productId":1,"quantity":0}`,
		"negative total":   `{"type":"order.created","version":1,"orderId":"o","productId":1,"quantity":1,"totalPrice":-1}`,
		"outcome no name":  `{"type":"payment.outcome","version":1,"orderId":"o","approved":false}`,
		"status no new":    `{"type":"order.status_changed","version":1,"orderId":"o","oldStatus":"PENDING"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}
