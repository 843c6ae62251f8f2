package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/microsoft/TeamCloud-sub005/pkg/config"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	cobra.OnInitialize(initConfig)

	rootCmd := &cobra.Command{
		Use:   "teamcloud",
		Short: "TeamCloud - command orchestration engine",
		Long: `TeamCloud accepts commands against organizations, deployment scopes,
projects, components, and component tasks, and runs each one as a durable
orchestration that provisions the matching cloud resources.

Flags can also be set through TEAMCLOUD_* environment variables, for
example TEAMCLOUD_DATABASE=/var/lib/teamcloud/teamcloud.db.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", config.DefaultPath, "config file path")
	flags.String("database", "", "database path (overrides the config file)")
	flags.Bool("json", false, "output in JSON format")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("database", flags.Lookup("database"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newEnsureCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

func initConfig() {
	viper.SetEnvPrefix("TEAMCLOUD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the config file and applies flag and environment
// overrides on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if db := viper.GetString("database"); db != "" {
		cfg.Database.Path = db
	}
	if listen := viper.GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
