package payments

import (
	"context"

	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// ConsumerGroup is the group the payment service reads order events under.
const ConsumerGroup = "payments"

// OrderEventsHandler consumes the order-events topic. Malformed and
// unrelated events are acknowledged; a failed OrderCreated is requeued,
// which the topic turns into a logged skip.
func (s *Service) OrderEventsHandler() messaging.Handler {
	return func(ctx context.Context, msg messaging.Message) messaging.Disposition {
		log := s.logger.With("message_id", msg.ID, "correlation_id", msg.CorrelationID)

		ev, err := messaging.Decode(msg.Body)
		if err != nil {
			log.Error("malformed order event dropped", "error", err)
			return messaging.Ack
		}
		created, ok := ev.(messaging.OrderCreated)
		if !ok {
			log.Debug("order event ignored", "type", ev.EventType())
			return messaging.Ack
		}
		if err := s.HandleOrderCreated(ctx, created); err != nil {
			log.Error("order created handling failed", "order_id", created.OrderID, "error", err)
			return messaging.Requeue
		}
		return messaging.Ack
	}
}
