package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/app"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	httpSrv "github.com/jmehdipour/webhook-gateway/internal/http"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveStore      string
	serveDemoTarget string
	serveDrain      time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server, dispatcher and recovery loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level)
		defer func() { _ = log.Sync() }()

		a, err := app.New(cfg, serveStore, true, log)
		if err != nil {
			return err
		}
		if serveStore == app.StoreMemory {
			a.LoadDemo(serveDemoTarget)
			log.Info("memory store loaded with demo tenants", zap.String("target", serveDemoTarget))
		}

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Tenants:    a.Tenants,
			Endpoints:  a.Endpoints,
			Ledger:     a.Ledger,
			Reports:    a.Reports,
			Redis:      a.Redis,
			Dispatcher: a.Dispatcher,
			Logger:     logger.Named("http"),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rec := worker.NewRecovery(a.Ledger, a.Dispatcher, logger.Named("recovery"))
		rec.Interval = cfg.Dispatcher.RecoveryInterval
		rec.Batch = cfg.Dispatcher.RecoveryBatch
		rec.Grace = cfg.Dispatcher.RecoveryGrace
		go func() { _ = rec.Run(ctx) }()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveDrain)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if err := a.Close(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete; unfinished deliveries are left for recovery", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveStore, "store", app.StoreMySQL, "record store: mysql | memory")
	serveCmd.Flags().StringVar(&serveDemoTarget, "demo-target", "http://127.0.0.1:9999", "base URL of demo endpoints (memory store only)")
	serveCmd.Flags().DurationVar(&serveDrain, "drain-timeout", 30*time.Second, "how long to wait for in-flight deliveries on shutdown")
}
