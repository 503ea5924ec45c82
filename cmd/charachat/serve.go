package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	app "github.com/charachat/charachat/internal/app"
	"github.com/charachat/charachat/internal/app/httpapi"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.Open(ctx, cfg, log.Named("app"))
			if err != nil {
				return fmt.Errorf("open application: %w", err)
			}
			defer func() {
				if err := application.Close(); err != nil {
					log.WithError(err).Warn("close application")
				}
			}()

			srv := &http.Server{
				Addr:         cfg.Server.Addr(),
				Handler:      httpapi.NewHandler(application, log.Named("http")),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			if err := application.Start(ctx); err != nil {
				return fmt.Errorf("start services: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				log.WithField("addr", srv.Addr).
					WithField("storage", cfg.Database.Driver).
					WithField("version", app.Version).
					Info("charachat listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case serveErr = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("http shutdown")
			}
			if err := application.Stop(shutdownCtx); err != nil {
				log.WithError(err).Warn("stop services")
			}
			return serveErr
		},
	}
}
