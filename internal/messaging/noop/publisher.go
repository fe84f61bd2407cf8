package noop

import (
	"context"

	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// Publisher is a no-op messaging.Channel used when no broker is configured.
// Publishes succeed without effect and subscriptions never fire.
type Publisher struct{}

func (Publisher) Publish(_ context.Context, _ messaging.Destination, _ messaging.Message) error {
	return nil
}

func (Publisher) Subscribe(_ messaging.Destination, _ string, _ messaging.Handler) {}
