package worker

import (
	"context"

	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recoverOnce bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Resume deliveries left pending or retrying by a stopped process",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, log, err := boot(cmd)
		if err != nil {
			return err
		}

		rec := worker.NewRecovery(a.Ledger, a.Dispatcher, logger.Named("recovery"))
		rec.Interval = a.Cfg.Dispatcher.RecoveryInterval
		rec.Batch = a.Cfg.Dispatcher.RecoveryBatch
		rec.Grace = a.Cfg.Dispatcher.RecoveryGrace

		return runUntilSignal(a, log, func(ctx context.Context) error {
			if recoverOnce {
				n, err := rec.RunOnce(ctx)
				log.Info("recovery pass done", zap.Int("resumed", n))
				return err
			}
			return rec.Run(ctx)
		})
	},
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverOnce, "once", false, "run a single pass and exit after draining")
}
