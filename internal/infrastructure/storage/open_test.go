package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/config"
)

func TestOpenDrivers(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			cfg := &config.Config{Storage: config.StorageConfig{
				Driver:     driver,
				SQLitePath: filepath.Join(t.TempDir(), "crm.db"),
			}}
			store, closeFn, err := Open(context.Background(), cfg, nil)
			require.NoError(t, err)
			defer closeFn()

			ev, err := store.Append(context.Background(), domain.Event{
				UserID:     "u1",
				EntityType: domain.EntityAction,
				Kind:       "action.rejected",
				Payload:    []byte(`{}`),
				Origin:     domain.OriginAI,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), ev.ID)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), &config.Config{Storage: config.StorageConfig{Driver: "mongo"}}, nil)
	assert.ErrorContains(t, err, "mongo")
}
