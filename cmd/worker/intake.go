package worker

import (
	"context"

	"github.com/jmehdipour/webhook-gateway/internal/kafka"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Consume events from Kafka and dispatch them",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, log, err := boot(cmd)
		if err != nil {
			return err
		}

		kc := kafka.ConfigFrom(a.Cfg.Kafka)
		consumer := kafka.NewConsumerFromConfig(kc)
		defer consumer.Close()

		w := worker.NewIntakeKafka(consumer, a.Dispatcher, logger.Named("intake"))
		if a.Cfg.Kafka.Workers > 0 {
			w.Workers = a.Cfg.Kafka.Workers
		}

		log.Info("intake started",
			zap.String("topic", consumer.Topic()),
			zap.String("group", kc.GroupID),
			zap.Int("workers", w.Workers))

		return runUntilSignal(a, log, func(ctx context.Context) error {
			// recovery runs alongside so retries orphaned by a restart are re-driven
			rec := worker.NewRecovery(a.Ledger, a.Dispatcher, logger.Named("recovery"))
			rec.Interval = a.Cfg.Dispatcher.RecoveryInterval
			rec.Batch = a.Cfg.Dispatcher.RecoveryBatch
			rec.Grace = a.Cfg.Dispatcher.RecoveryGrace
			go func() { _ = rec.Run(ctx) }()

			err := w.Run(ctx)
			log.Info("intake stopped", zap.Int64("lag", consumer.Lag()))
			return err
		})
	},
}
