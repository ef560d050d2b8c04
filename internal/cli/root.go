// Package cli implements the ingestctl operator commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dbURL string

var rootCmd = &cobra.Command{
	Use:           "ingestctl",
	Short:         "ingestctl operates a healthos event store",
	Long:          "ingestctl migrates the event store, ingests submission files and inspects stored events without the HTTP server.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Event store DSN (defaults to DATABASE_URL)")
}
