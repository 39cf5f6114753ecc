package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/app"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const drainTimeout = 30 * time.Second

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	// attach subcommands
	cmd.AddCommand(intakeCmd)
	cmd.AddCommand(recoverCmd)

	return cmd
}

// boot loads config, logging and the MySQL-backed app shared by the workers.
func boot(cmd *cobra.Command) (*app.App, *zap.Logger, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	a, err := app.New(cfg, app.StoreMySQL, false, log)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

// runUntilSignal runs fn with a context cancelled on SIGINT/SIGTERM, then
// drains the app.
func runUntilSignal(a *app.App, log *zap.Logger, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.Close(drainCtx); err != nil {
		log.Warn("shutdown incomplete; unfinished deliveries are left for recovery", zap.Error(err))
	}
	_ = log.Sync()
	return runErr
}
