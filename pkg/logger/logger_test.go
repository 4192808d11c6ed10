package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "loud", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestNewWritesServiceToOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug", Service: "chatcrm", Output: &buf})
	require.NoError(t, err)

	l.Debug("booted")
	require.NoError(t, l.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "booted", entry["msg"])
	assert.Equal(t, "chatcrm", entry["service"])
	assert.Contains(t, entry, "timestamp")
}

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithUserID(ctx, "u1")
	FromContext(ctx, base).Info("hello")
	FromContext(context.Background(), base).Info("bare")

	require.Equal(t, 2, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "u1", fields["user_id"])
	assert.Empty(t, logs.All()[1].ContextMap())

	assert.Equal(t, "u1", UserIDFrom(ctx))
	assert.Equal(t, "req-1", RequestIDFrom(ctx))
	assert.Empty(t, UserIDFrom(context.Background()))
	assert.Nil(t, FromContext(ctx, nil))
}
