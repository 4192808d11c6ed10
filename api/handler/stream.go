package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/pkg/httpcontext"
	crmUC "github.com/fastygo/chatcrm/usecase/crm"
)

// Subscriber hands out per-user live event feeds.
type Subscriber interface {
	Subscribe(userID string) (<-chan domain.Event, func())
}

// StreamHandler serves the event log as server-sent events: first the backlog after the
// client's cursor, then live events as they are appended.
type StreamHandler struct {
	baseHandler
	uc        *crmUC.UseCase
	hub       Subscriber
	heartbeat time.Duration
	pageSize  int
}

func NewStreamHandler(uc *crmUC.UseCase, hub Subscriber, adapter *httpcontext.Adapter, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		baseHandler: newBaseHandler(adapter, logger),
		uc:          uc,
		hub:         hub,
		heartbeat:   15 * time.Second,
		pageSize:    200,
	}
}

// @Summary Live event stream
// @Tags events
// @Router /api/v1/events/stream [get]
func (h *StreamHandler) Stream(ctx *fasthttp.RequestCtx) {
	userID := h.userID(ctx)
	if userID == "" {
		return
	}

	cursor := parseInt64(string(ctx.QueryArgs().Peek("cursor")), 0)
	if last := ctx.Request.Header.Peek("Last-Event-ID"); len(last) > 0 {
		cursor = parseInt64(string(last), cursor)
	}

	ctx.Response.Header.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		if err := h.pump(context.Background(), w, userID, cursor); err != nil {
			h.logger.Debug("event stream closed", zap.String("user_id", userID), zap.Error(err))
		}
	})
}

// pump writes events until ctx ends, the hub closes the feed or the client goes away.
func (h *StreamHandler) pump(ctx context.Context, w *bufio.Writer, userID string, cursor int64) error {
	live, cancel := h.hub.Subscribe(userID)
	defer cancel()

	// The subscription is open before the backlog is read, so nothing appended in
	// between is missed; duplicates are skipped by id.
	cursor, err := h.catchUp(ctx, w, userID, cursor)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if ev.ID <= cursor {
				continue
			}
			// Concurrent submissions may publish out of id order, so a live event only
			// signals that the log moved; the log itself is written in order.
			if cursor, err = h.catchUp(ctx, w, userID, cursor); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// catchUp writes every logged event after cursor and returns the new cursor.
func (h *StreamHandler) catchUp(ctx context.Context, w *bufio.Writer, userID string, cursor int64) (int64, error) {
	for {
		page, err := h.uc.Events(ctx, userID, cursor, h.pageSize)
		if err != nil {
			return cursor, err
		}
		for _, ev := range page.Events {
			if err := writeEvent(w, ev); err != nil {
				return cursor, err
			}
		}
		cursor = page.NextCursor
		if len(page.Events) < h.pageSize {
			return cursor, nil
		}
	}
}

func writeEvent(w *bufio.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data)
	return err
}
