// Command fulfillment runs one service of the order fulfillment saga per
// subcommand: products, orders, payments or notification.
package main

import (
	"fmt"
	"os"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
