package main

import (
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
	"github.com/nsridhar76/go-fulfillment/internal/notification"
	"github.com/nsridhar76/go-fulfillment/internal/store/memory"
)

func notificationCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "notification",
		Short: "Deliver payment outcome notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp("notification", flags)
			if err != nil {
				return err
			}

			var history domain.NotificationRepository
			if a.memoryStore() {
				history = memory.NewNotifications()
			} else {
				h, err := notification.OpenHistory(a.cfg.NotificationDB)
				if err != nil {
					return err
				}
				a.closers = append(a.closers, func() { _ = h.Close() })
				history = h
			}

			svc := notification.NewService(notification.LogNotifier{Logger: a.logger}, history, a.logger)
			outcomes := a.rabbitmq()
			outcomes.Subscribe(messaging.Queue(a.cfg.OutcomeQueue), notification.ConsumerGroup, svc.OutcomeHandler())

			h := notification.NewHandler(svc)
			return a.run(ctx, func(r chi.Router) { h.Routes(r) })
		},
	}
}
