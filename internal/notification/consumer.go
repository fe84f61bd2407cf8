package notification

import (
	"context"
	"fmt"

	"github.com/nsridhar76/go-fulfillment/internal/messaging"
)

// ConsumerGroup is the group the notification service reads outcomes under.
const ConsumerGroup = "notification"

// TypePayment tags notifications derived from payment outcomes.
const TypePayment = "PAYMENT"

// OutcomeHandler consumes the payment-outcome queue. Every delivery is
// acknowledged once the delivery attempt is over: failures and malformed
// messages are logged rather than redelivered.
func (s *Service) OutcomeHandler() messaging.Handler {
	return func(ctx context.Context, msg messaging.Message) messaging.Disposition {
		log := s.logger.With("message_id", msg.ID, "correlation_id", msg.CorrelationID)

		ev, err := messaging.Decode(msg.Body)
		if err != nil {
			log.Error("malformed payment outcome dropped", "error", err)
			return messaging.Ack
		}
		outcome, ok := ev.(messaging.PaymentOutcome)
		if !ok {
			log.Warn("unexpected event on outcome queue", "type", ev.EventType())
			return messaging.Ack
		}

		in := formatOutcome(outcome)
		if _, err := s.Send(ctx, in); err != nil {
			log.Error("notification delivery failed", "order_id", outcome.OrderID, "error", err)
			return messaging.Ack
		}
		log.Info("payment outcome notified", "order_id", outcome.OrderID, "approved", outcome.Approved)
		return messaging.Ack
	}
}

func formatOutcome(o messaging.PaymentOutcome) SendInput {
	in := SendInput{Type: TypePayment, Recipient: o.CustomerName}
	if o.Approved {
		in.Subject = "Payment approved"
		in.Message = fmt.Sprintf("Hello %s, the payment for order %s was approved and the order is confirmed.",
			o.CustomerName, o.OrderID)
	} else {
		in.Subject = "Payment declined"
		in.Message = fmt.Sprintf("Hello %s, the payment for order %s was declined and the order was cancelled.",
			o.CustomerName, o.OrderID)
	}
	return in
}
