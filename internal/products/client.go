package products

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/httpx"
)

// Client is a domain.ProductCatalog over the product service's HTTP API.
type Client struct {
	c *httpx.Client
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{c: httpx.NewClient(baseURL, timeout)}
}

func (c *Client) Get(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	if err := c.c.Do(ctx, http.MethodGet, fmt.Sprintf("/products/%d", id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AdjustStock reports a rejected update as ErrInsufficientStock.
func (c *Client) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	var p domain.Product
	err := c.c.Do(ctx, http.MethodPatch, fmt.Sprintf("/products/%d/stock", id), StockInput{Amount: &delta}, &p)
	if errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", domain.ErrInsufficientStock, err)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
