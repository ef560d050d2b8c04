package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattdepillis/healthos/internal/persistence"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the event store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store *persistence.Store) error {
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s event store\n", store.Kind)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
