package commands

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newEnsureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Start missing eternal orchestrations",
		Long: `Make sure every eternal orchestration, including the monitor of every
provisioned component, has exactly one pending or running instance.
Finished instances are purged and scheduled again. Scheduled instances are
only persisted: a running "teamcloud serve" does not pick them up, they
execute once serve is (re)started.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, "")
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			tw := newTable()
			tw.AppendHeader(table.Row{"Instance", "Workflow", "Scheduled", "Error"})
			workflows, err := a.supervisor.Eternal(ctx)
			if err != nil {
				return fmt.Errorf("failed to list eternal orchestrations: %w", err)
			}

			var failed int
			for _, wf := range workflows {
				started, err := a.supervisor.Schedule(ctx, wf)
				msg := ""
				if err != nil {
					failed++
					msg = err.Error()
				}
				tw.AppendRow(table.Row{wf.InstanceID, wf.Name, started, msg})
			}
			tw.Render()

			if failed > 0 {
				return fmt.Errorf("%d eternal orchestration(s) could not be ensured", failed)
			}
			return nil
		},
	}
}
