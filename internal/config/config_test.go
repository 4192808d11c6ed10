package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "chatcrm", cfg.AppName)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 20, cfg.Core.ContextWindow)
	assert.Equal(t, 3, cfg.Core.ExecutorMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Outbox.SyncInterval)
	assert.Equal(t, "crm:events:", cfg.Redis.ChannelPrefix)
	assert.Contains(t, cfg.Database.URL, "postgres://chatcrm:")
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("CONTEXT_WINDOW", "5")
	t.Setenv("EXECUTOR_MAX_ATTEMPTS", "7")
	t.Setenv("SYNC_INTERVAL_SECONDS", "12")
	t.Setenv("OUTBOX_RETENTION", "2h")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Core.ContextWindow)
	assert.Equal(t, 7, cfg.Core.ExecutorMaxAttempts)
	assert.Equal(t, 12*time.Second, cfg.Outbox.SyncInterval)
	assert.Equal(t, 2*time.Hour, cfg.Outbox.Retention)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("STORAGE_DRIVER", "mongo")
	_, err := Load()
	assert.ErrorContains(t, err, "STORAGE_DRIVER")

	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("CONTEXT_WINDOW", "-1")
	_, err = Load()
	assert.ErrorContains(t, err, "CONTEXT_WINDOW")

	t.Setenv("CONTEXT_WINDOW", "20")
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")
	_, err = Load()
	assert.ErrorContains(t, err, "JWT_SECRET")
}
