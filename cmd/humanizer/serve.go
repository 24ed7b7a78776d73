package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/humanizer/internal/http"
	"github.com/fyrsmithlabs/humanizer/internal/telemetry"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow status API",
		Long: `Serve read-only workflow status over HTTP.

Endpoints:
  GET /health
  GET /metrics
  GET /api/v1/workflows
  GET /api/v1/workflows/:id
  GET /api/v1/workflows/:id/log
  GET /api/v1/workflows/:id/backups`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if !cmd.Flags().Changed("port") {
				port = a.cfg.Server.Port
			}
			srv, err := httpserver.NewServer(a.store, a.logger, &httpserver.Config{
				Host:  host,
				Port:  port,
				Meter: a.telemetry.Meter(telemetry.InstrumentationName),
			})
			if err != nil {
				return err
			}
			return serve(ctx, srv, a)
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "address to listen on")
	cmd.Flags().IntVar(&port, "port", 8080, "port to listen on (default from config)")
	return cmd
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *httpserver.Server, a *app) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error(shutdownCtx, "graceful shutdown failed", zap.Error(err))
		return err
	}
	a.logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}
