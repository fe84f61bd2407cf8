package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
	"github.com/nsridhar76/go-fulfillment/internal/notification"
	"github.com/nsridhar76/go-fulfillment/internal/orders"
	"github.com/nsridhar76/go-fulfillment/internal/products"
	"github.com/nsridhar76/go-fulfillment/internal/store/memory"
	"github.com/nsridhar76/go-fulfillment/internal/store/postgres"
)

func ordersCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "Serve the order API and publish order events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp("orders", flags)
			if err != nil {
				return err
			}
			repo, err := orderRepo(ctx, a)
			if err != nil {
				a.close()
				return err
			}

			topic := messaging.Topic(a.cfg.OrderTopic)
			sup := a.kafka()
			if err := sup.Declare(ctx, topic); err != nil {
				a.close()
				return err
			}

			opts := []orders.Option{orders.WithTopic(topic), orders.WithOutboxLease(a.cfg.Outbox.Lease)}
			if a.cfg.NotificationServiceURL != "" {
				opts = append(opts, orders.WithNotifier(
					notification.NewClient(a.cfg.NotificationServiceURL, a.cfg.ClientTimeout)))
			}
			catalog := products.NewClient(a.cfg.ProductsServiceURL, a.cfg.ClientTimeout)
			svc := orders.NewService(repo, catalog, sup, a.logger, opts...)
			relay := orders.NewOutboxRelay(repo, sup, a.cfg.Outbox.RelayInterval, a.cfg.Outbox.BatchSize,
				a.cfg.Outbox.Lease, a.logger)

			h := orders.NewHandler(svc)
			return a.run(ctx, func(r chi.Router) { h.Routes(r) }, relay.Run)
		},
	}
}

func orderRepo(ctx context.Context, a *app) (domain.OrderRepository, error) {
	if a.memoryStore() {
		return memory.NewOrders(), nil
	}
	pool, err := a.db(ctx)
	if err != nil {
		return nil, err
	}
	return postgres.NewOrderStore(pool), nil
}
