package notification

import (
	"context"
	"net/http"
	"time"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/httpx"
)

// Client is a domain.Notifier that posts to a remote notification service.
type Client struct {
	c *httpx.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{c: httpx.NewClient(baseURL, timeout)}
}

func (c *Client) Notify(ctx context.Context, n domain.Notification) error {
	in := SendInput{Type: n.Type, Recipient: n.Recipient, Subject: n.Subject, Message: n.Message}
	return c.c.Do(ctx, http.MethodPost, "/notify", in, nil)
}
