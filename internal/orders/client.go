package orders

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/httpx"
)

// Client reaches the order service over HTTP. It satisfies
// domain.OrderTransitioner and domain.OrderReader for the payment saga.
type Client struct {
	c *httpx.Client
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{c: httpx.NewClient(baseURL, timeout)}
}

func (c *Client) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	if err := c.c.Do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) Confirm(ctx context.Context, orderID string) error {
	return c.c.Do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID)+"/confirm", nil, nil)
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	return c.c.Do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID)+"/cancel", nil, nil)
}
