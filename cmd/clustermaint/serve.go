package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/clustermaint/internal/config"
	"github.com/limiquantix/clustermaint/internal/metrics"
	"github.com/limiquantix/clustermaint/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the maintenance controller",
	Long: `Run the long-lived controller: periodic metrics collection, the daily
update check, snapshot cleanup, scheduled updates, and the operational
HTTP server (/health, /ready, /live, /info, /metrics).

With etcd enabled, triggers take a distributed lock so two instances never
run the same trigger at once, and only the elected leader runs the periodic
ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		logger.Info("Starting clustermaint",
			zap.String("version", version),
			zap.String("commit", commit),
		)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{
			Coordination:   true,
			Scheduler:      true,
			LeaderElection: cfg.Scheduler.LeaderElection,
		})
		if err != nil {
			return err
		}
		defer a.close()

		if a.leader == nil {
			metrics.IsLeader.Set(1)
		}
		if src, ok := a.creds.(*config.CredentialSource); ok {
			src.Watch(logger)
		}

		if err := a.registerTriggers(ctx); err != nil {
			return err
		}

		opts := []server.ServerOption{
			server.WithVersion(version),
			server.WithScheduler(a.scheduler),
		}
		if a.db != nil {
			opts = append(opts, server.WithPostgreSQL(a.db))
		}
		if a.cache != nil {
			opts = append(opts, server.WithRedis(a.cache))
		}
		if a.etcd != nil {
			opts = append(opts, server.WithEtcd(a.etcd))
		}
		if a.leader != nil {
			opts = append(opts, server.WithLeader(a.leader))
		}
		srv := server.New(cfg.Server, logger, opts...)

		a.scheduler.Start()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return a.scheduler.Stop(stopCtx)
		})

		err = g.Wait()
		if ctx.Err() != nil {
			logger.Info("Received signal, shutting down")
		}
		if err != nil {
			logger.Error("Controller stopped with error", zap.Error(err))
			return err
		}
		logger.Info("Goodbye!")
		return nil
	},
}
