package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/microsoft/TeamCloud-sub005/pkg/config"
	"github.com/microsoft/TeamCloud-sub005/pkg/server"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the command API and orchestration engine",
		Long: `Run the HTTP command API together with the orchestration runner.

On startup the engine resumes every unfinished orchestration, releases
locks held by instances that no longer run, and starts the eternal
orchestrations. --dev runs against an in-memory database with debug
logging and resolves any principal ID.`,
		Example: `  # Serve with teamcloud.yaml from the working directory
  teamcloud serve

  # Throwaway in-memory engine on another port
  teamcloud serve --dev --listen 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dev {
				cfg.Database.Path = ":memory:"
				cfg.Telemetry = *telemetry.DevelopmentConfig()
				cfg.Providers.AutoRegister = true
			}
			return serve(cmd.Context(), cfg, version)
		},
	}

	cmd.Flags().String("listen", "", "API listen address (overrides the config file)")
	cmd.Flags().BoolVar(&dev, "dev", false, "run with an in-memory database and debug logging")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, version string) error {
	a, err := newApp(ctx, cfg, version)
	if err != nil {
		return err
	}
	logger := a.tel.Logger.NewComponentLogger("serve")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()

	if a.policies != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		if err := a.policies.Watch(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	op := telemetry.StartOperation(a.tel.WithContext(ctx), "engine.recover")
	resumed, err := a.runner.Recover(op.Ctx)
	op.End(err)
	if err != nil {
		return err
	}
	op.Logger.Debugf("recovery took %s", op.Timer.Duration())
	if err := a.tel.StartMetricsServer(); err != nil {
		return err
	}

	handler, err := server.New(server.Config{
		Commands: a.commands,
		Health:   a.store,
		Metrics:  a.tel.Metrics.Handler(),
		Logger:   a.tel.Logger,
		BasePath: cfg.Server.BasePath,
		Version:  version,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		_ = a.supervisor.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.WithFields(map[string]interface{}{
		"listen":    cfg.Server.Listen,
		"base_path": cfg.Server.BasePath,
		"database":  cfg.Database.Path,
		"resumed":   resumed,
	}).Info("TeamCloud engine started")

	select {
	case err := <-errCh:
		cancel()
		<-supervisorDone
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	<-supervisorDone
	return nil
}
