package commands

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		project string
		limit   int
		audit   bool
	)

	cmd := &cobra.Command{
		Use:   "status [command-id]",
		Short: "Show command results",
		Long: `Show command results from the local database.

Without an argument the most recent results are listed, newest first.
With a command ID the single result is shown; --audit adds the audit
trail of that command.`,
		Example: `  # Latest results of a project
  teamcloud status --project web

  # One command with its audit trail
  teamcloud status 6f1c0b5e-3d5f-4b8e-9a51-1f4d1a2f3c4b --audit`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				if len(args) == 0 {
					results, err := store.ListResults(ctx, project, limit, 0)
					if err != nil {
						return err
					}
					return printResults(results...)
				}

				result, err := store.GetResult(ctx, args[0])
				if err != nil {
					return err
				}
				if project != "" && result.ProjectID != project {
					return engine.NewNotFoundError("command result", args[0])
				}
				if err := printResults(result); err != nil {
					return err
				}
				if audit {
					return printAudit(ctx, store, args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "restrict to a project")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results to list")
	cmd.Flags().BoolVar(&audit, "audit", false, "include the audit trail of the command")

	return cmd
}

func printAudit(ctx context.Context, store *stores.SQLiteStore, commandID string) error {
	entries, err := store.ListAuditEntries(ctx, &commandID, 100, 0)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}

	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Principal", "Entity", "Status", "Recorded"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.ID, e.Principal, e.EntityID, e.RuntimeStatus, e.Timestamp.Local().Format("2006-01-02 15:04:05")})
	}
	tw.Render()
	return nil
}
