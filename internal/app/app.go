// Package app wires configuration, stores and the dispatcher into one
// runnable unit shared by the serve and worker commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/db"
	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/signing"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

type App struct {
	Cfg config.Config
	Log *zap.Logger

	MySQL      *sqlx.DB      // nil with the memory store
	ClickHouse *sqlx.DB      // nil when reports are disabled
	Redis      *redis.Client // nil when not configured
	Memory     *repository.Memory

	Tenants    repository.TenantsRepository
	Endpoints  repository.EndpointRepository
	Ledger     repository.DeliveryLedger
	Stats      repository.StatsRepository
	Reports    repository.CHDeliveriesRepository
	Dispatcher *dispatcher.Dispatcher
}

// New connects the stores selected by store (mysql | memory) and builds the
// dispatcher. withReports opens ClickHouse for the analytics routes.
func New(cfg config.Config, store string, withReports bool, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Cfg: cfg, Log: log}

	switch store {
	case StoreMemory:
		a.Memory = repository.NewMemory()
		a.Tenants, a.Endpoints, a.Ledger = a.Memory, a.Memory, a.Memory
		a.Stats = a.Memory.StatsRepository()
	case "", StoreMySQL:
		if err := a.openSQL(withReports); err != nil {
			a.closeStores()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store %q", store)
	}

	signer, err := signing.NewSigner(cfg.Webhook.DefaultAlgorithm, cfg.Webhook.SignatureHeader)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	opts, err := dispatcher.OptionsFromConfig(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	opts.Logger = log.Named("dispatcher")
	a.Dispatcher = dispatcher.New(a.Endpoints, a.Ledger, a.Stats, signer, opts)
	return a, nil
}

func (a *App) openSQL(withReports bool) error {
	cfg := a.Cfg

	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOptsFrom(cfg.MySQL))
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	a.MySQL = mysqlDB
	a.Tenants = repository.NewTenantsRepository(mysqlDB)
	a.Endpoints = repository.NewEndpointsRepository(mysqlDB)
	a.Ledger = repository.NewLedgerRepository(mysqlDB)

	if cfg.Redis.Addr != "" {
		rdb, err := db.NewRedisClient(db.RedisOptsFrom(cfg.Redis))
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		a.Redis = rdb
	}

	switch cfg.Stats.Backend {
	case "redis":
		if a.Redis == nil {
			return errors.New("stats.backend=redis needs redis.addr")
		}
		a.Stats = repository.NewRedisStatsRepository(a.Redis, cfg.Stats.KeyPrefix)
	default:
		a.Stats = repository.NewMySQLStatsRepository(mysqlDB)
	}

	if withReports && cfg.ClickHouse.DSN != "" {
		chDB, err := db.NewClickHouseConnection(db.ClickHouseOptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		a.ClickHouse = chDB
		a.Reports = repository.NewCHDeliveriesRepository(chDB)
	}
	return nil
}

// Close drains the dispatcher, then releases the stores.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.MySQL != nil {
		errs = append(errs, a.MySQL.Close())
	}
	if a.ClickHouse != nil {
		errs = append(errs, a.ClickHouse.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
