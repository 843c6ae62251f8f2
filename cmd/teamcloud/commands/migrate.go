package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/TeamCloud-sub005/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				if err := store.HealthCheck(ctx); err != nil {
					return err
				}
				fmt.Println("✓ Database schema is up to date")
				return nil
			})
		},
	}
}
