package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/nsridhar76/go-fulfillment/internal/cache"
	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/products"
	"github.com/nsridhar76/go-fulfillment/internal/store/memory"
	"github.com/nsridhar76/go-fulfillment/internal/store/postgres"
)

func productsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "Serve the product catalog and stock API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp("products", flags)
			if err != nil {
				return err
			}
			repo, err := productRepo(ctx, a)
			if err != nil {
				a.close()
				return err
			}

			var c cache.Cache
			if a.cfg.RedisAddr != "" {
				client, err := cache.Dial(ctx, a.cfg.RedisAddr)
				if err != nil {
					a.close()
					return err
				}
				a.closers = append(a.closers, func() { _ = client.Close() })
				c = cache.NewRedis(client, "products:")
			}

			svc := products.NewService(repo, a.logger)
			h := products.NewHandler(svc, c, a.cfg.CacheTTL, a.logger)
			return a.run(ctx, func(r chi.Router) { h.Routes(r) })
		},
	}
}

func productRepo(ctx context.Context, a *app) (domain.ProductRepository, error) {
	if a.memoryStore() {
		return memory.NewProducts(), nil
	}
	pool, err := a.db(ctx)
	if err != nil {
		return nil, err
	}
	return postgres.NewProductStore(pool), nil
}
