package httpcontext

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	appLogger "github.com/fastygo/chatcrm/pkg/logger"
)

func TestAttachCarriesRequestMetadata(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("X-Request-ID", "req-7")
	ctx.Request.Header.Set(UserHeader, " u1 ")
	ctx.Request.Header.SetUserAgent("agent/1.0")

	stdCtx, cancel := NewAdapter(time.Second).Attach(&ctx)
	defer cancel()

	deadline, ok := stdCtx.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
	assert.Equal(t, "u1", appLogger.UserIDFrom(stdCtx))
	assert.Equal(t, "agent/1.0", stdCtx.Value(KeyUserAgent))
	assert.Equal(t, "req-7", string(ctx.Response.Header.Peek("X-Request-ID")))
}

func TestAttachGeneratesRequestID(t *testing.T) {
	var ctx fasthttp.RequestCtx
	stdCtx, cancel := NewAdapter(0).Attach(&ctx)
	defer cancel()

	_, err := uuid.Parse(string(ctx.Response.Header.Peek("X-Request-ID")))
	assert.NoError(t, err)
	assert.Empty(t, appLogger.UserIDFrom(stdCtx))
	assert.Empty(t, UserID(nil))
}
