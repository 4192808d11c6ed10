// Package storage opens the event store selected by STORAGE_DRIVER.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/internal/config"
	pgInfra "github.com/fastygo/chatcrm/internal/infrastructure/postgres"
	sqliteInfra "github.com/fastygo/chatcrm/internal/infrastructure/sqlite"
	"github.com/fastygo/chatcrm/repository"
	"github.com/fastygo/chatcrm/repository/memory"
	"github.com/fastygo/chatcrm/repository/postgres"
	"github.com/fastygo/chatcrm/repository/sqlite"
)

// Open returns the configured store and a func releasing its connections.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory event log, events are lost on restart")
		store := memory.New()
		return store, store.Close, nil

	case config.DriverSQLite:
		db, err := sqliteInfra.NewDB(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		store, err := sqlite.Open(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.DriverPostgres:
		if err := pgInfra.RunMigrations(cfg, logger); err != nil {
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := pgInfra.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		closeFn := func() error {
			pgInfra.Close(pool, logger)
			return nil
		}
		return postgres.NewEventStore(pool), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
