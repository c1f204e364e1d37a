package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	apihttp "github.com/Service202508/BattwheelsGarages-sub003/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the failure intelligence HTTP API until SIGINT or SIGTERM.

Examples:
  # Serve with the default config file
  failureintel serve

  # Override the port through the environment
  FAILUREINTEL_SERVER_HTTP_PORT=9000 failureintel serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

// runServe starts the API and blocks until ctx is cancelled, then shuts
// the server down within the configured timeout.
func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	logger := a.logger.Underlying()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	srvOpts := []apihttp.Option{
		apihttp.WithTicketWriter(a.store),
		apihttp.WithHealthCheck("database", a.store.Ping),
	}
	if a.cache != nil {
		srvOpts = append(srvOpts, apihttp.WithMatchCache(a.cache))
	}
	if a.telemetry.IsEnabled() {
		srvOpts = append(srvOpts, apihttp.WithHealthCheck("telemetry", func(context.Context) error {
			if a.telemetry.Health().Degraded {
				return errors.New("telemetry degraded")
			}
			return nil
		}))
	}

	srv, err := apihttp.NewServer(a.svc, logger.Named("http"), &apihttp.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		Version:   version,
	}, srvOpts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
