package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/exploopio/judge/pkg/api"
	"github.com/exploopio/judge/pkg/core"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the judge HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		if core.ParseLogLevel(cfg.Log.Level) != core.LogLevelDebug {
			gin.SetMode(gin.ReleaseMode)
		}
		if cfg.Simulated() {
			logger.Warn("running with simulated components; do not use in production")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		server, err := api.New(api.Config{
			Coordinator:    a.coord,
			Verifier:       a.verifier,
			Health:         a.health,
			MetricsHandler: a.metricsHandler(),
			MetricsPath:    cfg.Metrics.Path,
			Metrics:        a.recorder,
			Logger:         logger.Named("api"),
			APIKey:         cfg.Server.APIKey,
			Listen:         cfg.Server.Listen,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
		})
		if err != nil {
			return err
		}

		if err := a.start(ctx); err != nil {
			return err
		}
		logger.Info("judge %s started (threshold %d, ledger %s, payout %s)",
			cfg.Judge.ID, cfg.Judge.Threshold, cfg.Ledger.Driver, cfg.Payout.Kind)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(server.ListenAndServe)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case err := <-a.coord.Errors():
					logger.Error("fatal settlement error: %v", err)
				}
			}
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(sctx)
		})
		return g.Wait()
	},
}
