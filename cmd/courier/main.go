package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	auditDSN   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier peer-to-peer message transport",
		Long:  "Run the courier transport daemon over a federated room service",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&auditDSN, "audit-dsn", "", "Postgres DSN for the delivery audit trail")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
