package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/jmehdipour/webhook-gateway/internal/app"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/db"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/spf13/cobra"
)

var seedTarget string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo tenants and endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		ctx := context.Background()

		log.Println(">> Seeding demo tenants...")
		if err := repository.NewTenantsRepository(sqlDB).Upsert(ctx, app.DemoTenants()...); err != nil {
			return err
		}

		// idempotent upsert keyed by endpoint id
		log.Println(">> Seeding demo endpoints...")
		endpoints := repository.NewEndpointsRepository(sqlDB)
		for _, ep := range app.DemoEndpoints(seedTarget) {
			if err := ep.Validate(); err != nil {
				return err
			}
			if err := endpoints.Upsert(ctx, ep); err != nil {
				return fmt.Errorf("upsert endpoint %q: %w", ep.ID, err)
			}
		}

		log.Println(">> Seed completed")
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedTarget, "target", "http://127.0.0.1:9999", "base URL the demo endpoints deliver to")
}
