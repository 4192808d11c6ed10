package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fastygo/chatcrm/internal/config"
	pgInfra "github.com/fastygo/chatcrm/internal/infrastructure/postgres"
	"github.com/fastygo/chatcrm/repository"
	"github.com/fastygo/chatcrm/repository/storetest"
)

// TestStoreSuite needs a disposable database; set CHATCRM_TEST_DATABASE_URL to run it.
func TestStoreSuite(t *testing.T) {
	url := os.Getenv("CHATCRM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATCRM_TEST_DATABASE_URL not set")
	}

	cfg := &config.Config{
		Storage:    config.StorageConfig{Driver: config.DriverPostgres},
		Database:   config.DatabaseConfig{URL: url},
		Migrations: config.MigrationsConfig{Enabled: true, Path: "../../assets/migrations"},
	}
	require.NoError(t, pgInfra.RunMigrations(cfg, nil))

	ctx := context.Background()
	pool, err := pgInfra.NewPool(ctx, cfg.Database, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pgInfra.Close(pool, nil) })

	storetest.Run(t, func(t *testing.T) repository.Store {
		_, err := pool.Exec(ctx, `TRUNCATE crm_events, crm_entities RESTART IDENTITY`)
		require.NoError(t, err)
		return NewEventStore(pool)
	})
}
