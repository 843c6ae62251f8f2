package commands

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/stores"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printResults(results ...*engine.CommandResult) error {
	if viper.GetBool("json") {
		if len(results) == 1 {
			return printJSON(results[0])
		}
		return printJSON(results)
	}

	tw := newTable()
	tw.AppendHeader(table.Row{"Command", "Kind", "Action", "Project", "Status", "Progress", "Entity", "Errors", "Updated"})
	for _, r := range results {
		entity := ""
		if r.Result != nil {
			entity = r.Result.ID
			if r.Result.ResourceState != "" {
				entity += " (" + string(r.Result.ResourceState) + ")"
			}
		}
		tw.AppendRow(table.Row{
			r.CommandID, r.Kind, r.Action, r.ProjectID, r.RuntimeStatus,
			r.CustomStatus, entity, errorSummary(r.Errors), r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	tw.Render()
	return nil
}

func errorSummary(errs []engine.ErrorDescriptor) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Code+": "+e.Message)
	}
	return strings.Join(parts, "\n")
}

// withStore opens and migrates the configured database for the duration of fn.
func withStore(ctx context.Context, fn func(context.Context, *stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}
