package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/nsridhar76/go-fulfillment/internal/config"
	"github.com/nsridhar76/go-fulfillment/internal/store/postgres"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp("migrate", flags)
			if err != nil {
				return err
			}
			defer a.close()
			if a.cfg.Store != config.StorePostgres {
				return errors.New("migrate requires --store=postgres")
			}
			pool, err := postgres.NewPool(cmd.Context(), a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			a.logger.Info("schema applied")
			return nil
		},
	}
}
