package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/l0p7/tilegate/internal/logging"
	"github.com/l0p7/tilegate/internal/metrics"
	"github.com/l0p7/tilegate/internal/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, loader, err := opts.load(ctx)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	gw, err := newGateway(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer gw.close()

	if cfg.Server.Engine.Watch {
		watcher, err := loader.WatchEngine(ctx, cfg, func(path string) {
			gw.reload(ctx, path)
		}, func(err error) {
			if err != nil {
				logger.Error("engine config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("engine config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := server.New(cfg, logger, gw.routes())
	if err != nil {
		return err
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
