package lifecycle

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestShutdownRunsHooksInReverseOnce(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"event_store", "outbox", "http_server"} {
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	m.Register("ignored", nil)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"http_server", "outbox", "event_store"}, order)
}

func TestShutdownJoinsErrorsAndKeepsGoing(t *testing.T) {
	m := New(time.Second, nil)
	ran := false
	m.Register("store", func(context.Context) error { ran = true; return nil })
	m.Register("redis", func(context.Context) error { return errors.New("redis close failed") })

	err := m.Shutdown(context.Background())
	assert.ErrorContains(t, err, "redis close failed")
	assert.True(t, ran)
}

func TestShutdownHonoursTimeout(t *testing.T) {
	m := New(20*time.Millisecond, nil)
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, m.Shutdown(context.Background()), context.DeadlineExceeded)
}

func TestListenCancelsOnSignal(t *testing.T) {
	m := New(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stop := m.Listen(cancel)
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("signal did not cancel the context")
	}
}

func TestListenStop(t *testing.T) {
	m := New(time.Second, nil)
	stop := m.Listen(func() {})
	stop()
	stop()
}
