// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/internal/config"
	"github.com/holomush/accounts/internal/httpapi"
	"github.com/holomush/accounts/internal/observability"
	"github.com/holomush/accounts/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API, the metrics and health listener, and the janitor
that purges expired credentials.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, nil)
		},
	}

	cmd.Flags().String("server.addr", "", "HTTP API listen address")
	cmd.Flags().String("observability.addr", "", "metrics/health listen address (empty = disabled)")
	cmd.Flags().String("store.backend", "", "credential store backend (postgres or memory)")
	cmd.Flags().String("log.format", "", "log format (json or text)")
	cmd.Flags().String("log.level", "", "log level")

	return cmd
}

// runServe runs until ctx is cancelled or a listener fails.
func runServe(ctx context.Context, cmd *cobra.Command, deps *Deps) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The readiness checker runs only after Start, when b is set.
	var b *backend
	var obsServer *observability.Server
	metrics := observability.NewMetrics(nil)
	if cfg.Observability.Addr != "" {
		obsServer = observability.NewServer(cfg.Observability.Addr, func(ctx context.Context) bool {
			return b.Ready(ctx)
		})
		metrics = obsServer.Metrics()
	}

	b, err = buildBackend(ctx, cfg, logger, metrics, deps)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			errutil.LogWarn(context.Background(), logger, "error releasing backends", closeErr)
		}
	}()

	if obsServer != nil {
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
	}

	handler := httpapi.NewHandler(b.service,
		httpapi.WithLogger(logger),
		httpapi.WithRequestObserver(metrics),
		httpapi.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
	)
	apiServer := httpapi.NewServer(cfg.Server.Addr, handler)
	apiErrCh, err := apiServer.Start()
	if err != nil {
		stopServers(cfg, logger, obsServer, nil)
		return err
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api", logger)

	waitJanitor := func() {}
	if cfg.Janitor.Interval > 0 {
		waitJanitor = startJanitor(ctx, b.service, metrics, cfg.Janitor.Interval, logger)
	}

	cmd.Println("accounts service started")
	logger.Info("accounts service ready",
		"addr", apiServer.Addr(),
		"store", cfg.Store.Backend,
		"denylist", cfg.Denylist.Backend,
		"mail", cfg.Mail.Backend,
	)

	<-ctx.Done()
	logger.Info("shutting down...")
	stopServers(cfg, logger, obsServer, apiServer)
	// The backend closes on return; no purge may still be using it.
	waitJanitor()
	logger.Info("shutdown complete")
	return nil
}

func stopServers(cfg *config.Config, logger *slog.Logger, obs *observability.Server, api *httpapi.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if api != nil {
		if err := api.Stop(shutdownCtx); err != nil {
			errutil.LogWarn(shutdownCtx, logger, "error stopping api server", err)
		}
	}
	if obs != nil {
		if err := obs.Stop(shutdownCtx); err != nil {
			errutil.LogWarn(shutdownCtx, logger, "error stopping observability server", err)
		}
	}
}

// monitorServerErrors cancels ctx when a server reports a failure. It exits
// when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

// purger is the janitor's view of the service.
type purger interface {
	PurgeExpired(ctx context.Context) (auth.PurgeReport, error)
}

// purgeObserver records purged row counts.
type purgeObserver interface {
	ObservePurge(report auth.PurgeReport)
}

// startJanitor runs the janitor in the background until ctx is done. The
// returned func blocks until the janitor has exited.
func startJanitor(ctx context.Context, svc purger, obs purgeObserver, interval time.Duration, logger *slog.Logger) func() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runJanitor(ctx, svc, obs, interval, logger)
	}()
	return wg.Wait
}

// runJanitor purges expired credentials every interval until ctx is done.
func runJanitor(ctx context.Context, svc purger, obs purgeObserver, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := svc.PurgeExpired(ctx)
			if err != nil {
				errutil.LogError(ctx, logger, "purge failed", err)
				continue
			}
			obs.ObservePurge(report)
		}
	}
}
