package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/storesync/internal/api"
	"github.com/livinlefevreloca/storesync/internal/config"
	"github.com/livinlefevreloca/storesync/internal/engine"
)

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Long: `Run the sync scheduler and, when enabled, the HTTP API and metrics endpoint.

Runs left unfinished by a previous process are marked failed at startup.
SIGINT or SIGTERM stops accepting requests and waits for in-flight runs.

Example:
  storesync serve --config storesync.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting storesync", "stores", len(cfg.Stores))

	database, err := openDB(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB(database, logger)

	eng, err := engine.New(ctx, cfg, database, engine.Options{}, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build engine", err)
	}
	if err := eng.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	errCh := make(chan error, 2)

	var apiServer *api.Server
	if cfg.HTTP.Enabled {
		apiServer = api.NewServer(eng, logger)
		go func() {
			errCh <- apiServer.Start(cfg.HTTP.Addr())
		}()
	}

	// the API serves /metrics itself when it shares the port
	var metricsServer *http.Server
	if cfg.Metrics.Enabled && !(cfg.HTTP.Enabled && cfg.HTTP.Port == cfg.Metrics.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "address", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	logger.Info("storesync is running")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("listener failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout+5*time.Second)
	defer cancel()

	var errs []error
	if apiServer != nil {
		errs = append(errs, apiServer.Shutdown(shutdownCtx))
	}
	if metricsServer != nil {
		errs = append(errs, metricsServer.Shutdown(shutdownCtx))
	}
	errs = append(errs, eng.Shutdown(shutdownCtx))

	if err := errors.Join(errs...); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return WrapExitError(ExitFailure, "shutdown incomplete", err)
	}
	if serveErr != nil {
		return WrapExitError(ExitCommandError, "listener failed", serveErr)
	}

	logger.Info("storesync stopped")
	return nil
}
