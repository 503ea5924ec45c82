package main

import (
	"github.com/spf13/cobra"

	app "github.com/charachat/charachat/internal/app"
	"github.com/charachat/charachat/internal/config"
	"github.com/charachat/charachat/pkg/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "charachat",
		Short:        "Character chat API server",
		Version:      app.Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config file (default "+config.DefaultPath+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newMigrateLegacyCmd(opts),
	)
	return cmd
}

// load reads configuration and builds the root logger from it.
func (o *rootOptions) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	log := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, log, nil
}
