package commands

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/microsoft/TeamCloud-sub005/pkg/policy"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
	}
	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in and configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pe, err := loadPolicies(cmd.Context(), cfg.Policy, telemetry.NewNopTelemetry())
			if err != nil {
				return err
			}

			policies := pe.ListPolicies()
			if viper.GetBool("json") {
				return printJSON(policies)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Name", "Severity", "Enabled", "Source", "Description"})
			for _, p := range policies {
				source := "custom"
				if p.Builtin {
					source = "builtin"
				}
				tw.AppendRow(table.Row{p.Name, p.Severity, p.Enabled, source, p.Description})
			}
			tw.Render()
			return nil
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var flags commandFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the policies against a command without submitting it",
		Example: `  teamcloud policy check --kind project --entity Web --org contoso
  teamcloud policy check -f command.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			body, err := flags.body()
			if err != nil {
				return err
			}
			command, err := body.Command()
			if err != nil {
				return err
			}

			pe, err := loadPolicies(cmd.Context(), cfg.Policy, telemetry.NewNopTelemetry())
			if err != nil {
				return err
			}
			result, err := pe.Evaluate(cmd.Context(), command)
			if err != nil {
				return err
			}

			if viper.GetBool("json") {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printPolicyResult(result)
			}
			if !result.Allowed {
				return fmt.Errorf("command rejected by %d violation(s)", len(result.Blocking()))
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func printPolicyResult(result *policy.Result) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Policy", "Severity", "Code", "Resource", "Message"})
	for _, v := range result.Violations {
		tw.AppendRow(table.Row{v.Policy, v.Severity, v.Code, v.Resource, v.Message})
	}
	for _, w := range result.Warnings {
		tw.AppendRow(table.Row{"", "", "", "", w})
	}
	tw.AppendFooter(table.Row{"", "", "", "Evaluated", strings.Join(result.Evaluated, ", ")})
	tw.Render()

	if result.Allowed {
		fmt.Println("✓ Command admitted")
	}
}
