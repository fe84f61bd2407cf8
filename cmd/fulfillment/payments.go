package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
	"github.com/nsridhar76/go-fulfillment/internal/messaging/noop"
	"github.com/nsridhar76/go-fulfillment/internal/orders"
	"github.com/nsridhar76/go-fulfillment/internal/payments"
	"github.com/nsridhar76/go-fulfillment/internal/store/memory"
	"github.com/nsridhar76/go-fulfillment/internal/store/postgres"
)

func paymentsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "payments",
		Short: "Consume order events, settle payments and publish outcomes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp("payments", flags)
			if err != nil {
				return err
			}
			repo, err := paymentRepo(ctx, a)
			if err != nil {
				a.close()
				return err
			}

			topic := messaging.Topic(a.cfg.OrderTopic)
			queue := messaging.Queue(a.cfg.OutcomeQueue)
			events := a.kafka()

			var outcomes messaging.Publisher = noop.Publisher{}
			if a.cfg.RabbitMQURL != "" {
				sup := a.rabbitmq()
				if err := sup.Declare(ctx, queue); err != nil {
					a.close()
					return err
				}
				outcomes = sup
			} else {
				a.logger.Warn("no rabbitmq_url configured, payment outcomes will not be delivered")
			}

			gateway := orders.NewClient(a.cfg.OrdersServiceURL, a.cfg.ClientTimeout)
			svc := payments.NewService(repo, gateway, outcomes, a.logger,
				payments.WithDecider(payments.WeightedDecider(a.cfg.Payments.ApprovalRate)),
				payments.WithAutoProcess(a.cfg.Payments.AutoProcess),
				payments.WithOrderTimeout(a.cfg.ClientTimeout),
				payments.WithQueue(queue),
				payments.WithSettleLease(a.cfg.Payments.SettleLease),
			)
			events.Subscribe(topic, payments.ConsumerGroup, svc.OrderEventsHandler())

			rec := payments.NewReconciler(svc, a.cfg.Payments.ReconcileInterval, a.cfg.Payments.ReconcileBatch, a.logger)
			h := payments.NewHandler(svc)
			return a.run(ctx, func(r chi.Router) { h.Routes(r) }, rec.Run)
		},
	}
}

func paymentRepo(ctx context.Context, a *app) (domain.PaymentRepository, error) {
	if a.memoryStore() {
		return memory.NewPayments(), nil
	}
	pool, err := a.db(ctx)
	if err != nil {
		return nil, err
	}
	return postgres.NewPaymentStore(pool), nil
}
