package main

import (
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	store      string
	logLevel   string
	httpAddr   string
	grpcAddr   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "fulfillment",
		Short:         "Order fulfillment saga services",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&flags.store, "store", "", "record store: postgres or memory")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.httpAddr, "http-addr", "", "HTTP listen address")
	pf.StringVar(&flags.grpcAddr, "grpc-addr", "", "gRPC health listen address")

	cmd.AddCommand(productsCmd(flags))
	cmd.AddCommand(ordersCmd(flags))
	cmd.AddCommand(paymentsCmd(flags))
	cmd.AddCommand(notificationCmd(flags))
	cmd.AddCommand(migrateCmd(flags))
	return cmd
}
