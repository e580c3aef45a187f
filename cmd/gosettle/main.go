// Command gosettle runs the marketplace payment reconciliation server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gosettle",
		Short: "Marketplace payment reconciliation server",
		Long: `gosettle receives Stripe Connect webhooks, keeps seller onboarding, orders and
subscription tiers in sync, and serves the checkout and onboarding API.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./gosettle.yaml)")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
