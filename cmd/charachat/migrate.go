package main

import (
	"fmt"

	"github.com/spf13/cobra"

	app "github.com/charachat/charachat/internal/app"
	"github.com/charachat/charachat/internal/app/services/migration"
	"github.com/charachat/charachat/internal/config"
	"github.com/charachat/charachat/internal/platform/migrations"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}
	run := func(fn func(cmd *cobra.Command, cfg *config.Config) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("schema migrations need database.driver=postgres, got %q", cfg.Database.Driver)
			}
			return fn(cmd, cfg)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, cfg *config.Config) error {
			db, err := app.OpenDB(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrations.Up(db); err != nil {
				return err
			}
			return printVersion(cmd, cfg)
		}),
	}, &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, cfg *config.Config) error {
			db, err := app.OpenDB(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return migrations.Down(db)
		}),
	}, &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE:  run(printVersion),
	})
	return cmd
}

func printVersion(cmd *cobra.Command, cfg *config.Config) error {
	db, err := app.OpenDB(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	v, dirty, err := migrations.Version(db)
	if err != nil {
		return err
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d%s\n", v, suffix)
	return nil
}

// newMigrateLegacyCmd moves a legacy account onto a new identity without a
// legacy token. It is the operator path for users who lost their old
// session.
func newMigrateLegacyCmd(opts *rootOptions) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Reassign a legacy user's records to a new user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			application, err := app.Open(ctx, cfg, log.Named("app"))
			if err != nil {
				return err
			}
			defer application.Close()

			report, err := application.Migration.Migrate(ctx, from, to)
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "legacy user id")
	cmd.Flags().StringVar(&to, "to", "", "new user id")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func printReport(cmd *cobra.Command, r migration.Report) {
	out := cmd.OutOrStdout()
	for _, s := range r.Steps {
		status := "ok"
		if s.Error != "" {
			status = "failed: " + s.Error
		}
		fmt.Fprintf(out, "%-20s %-10s %6d  %s\n", s.Table, s.Column, s.Rows, status)
	}
	fmt.Fprintf(out, "moved %d rows, completed=%t\n", r.Rows(), r.Completed)
}
