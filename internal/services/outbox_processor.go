package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/infrastructure/buffer"
	"github.com/fastygo/chatcrm/usecase"
)

// ConnectionHealth abstracts the connection monitor functionality.
type ConnectionHealth interface {
	IsOnline() bool
}

// ProcessorConfig controls how frequently the outbox is drained.
type ProcessorConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
	// Retention bounds how long an undeliverable notification is kept.
	Retention time.Duration
}

// OutboxProcessor publishes event notifications to the remote channel and parks them in
// the outbox while the channel is down. A cron job drains the outbox.
type OutboxProcessor struct {
	store   *buffer.Store
	monitor ConnectionHealth
	remote  usecase.EventPublisher
	logger  *zap.Logger
	cron    *cron.Cron
	cfg     ProcessorConfig
}

var _ usecase.EventPublisher = (*OutboxProcessor)(nil)

func NewOutboxProcessor(
	store *buffer.Store,
	monitor ConnectionHealth,
	remote usecase.EventPublisher,
	logger *zap.Logger,
	cfg ProcessorConfig,
) *OutboxProcessor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	op := &OutboxProcessor{
		store:   store,
		monitor: monitor,
		remote:  remote,
		logger:  logger,
		cfg:     cfg,
		cron:    cron.New(cron.WithSeconds()),
	}

	schedule := fmt.Sprintf("@every %ds", max(1, int(cfg.Interval.Seconds())))
	_, _ = op.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		defer cancel()
		if err := op.Drain(ctx); err != nil {
			op.logger.Error("outbox drain failed", zap.Error(err))
		}
	})
	_, _ = op.cron.AddFunc("@hourly", func() {
		removed, err := op.store.Purge(time.Now().Add(-cfg.Retention))
		if err != nil {
			op.logger.Error("outbox purge failed", zap.Error(err))
			return
		}
		if removed > 0 {
			op.logger.Warn("expired notifications purged", zap.Int("count", removed))
		}
	})

	return op
}

// Start launches the cron scheduler.
func (op *OutboxProcessor) Start() {
	if op == nil || op.cron == nil {
		return
	}
	op.cron.Start()
	op.logger.Info("outbox processor started")
}

// Stop gracefully stops the scheduler.
func (op *OutboxProcessor) Stop(ctx context.Context) {
	if op == nil || op.cron == nil {
		return
	}
	stopCtx := op.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	op.logger.Info("outbox processor stopped")
}

// Publish tries the remote channel immediately and falls back to the outbox. It only
// fails when the notification could be neither sent nor parked.
func (op *OutboxProcessor) Publish(ctx context.Context, ev domain.Event) error {
	if op == nil || op.remote == nil {
		return nil
	}
	if op.online() {
		err := op.remote.Publish(ctx, ev)
		if err == nil {
			return nil
		}
		op.logger.Warn("immediate publish failed, parking in outbox", zap.Int64("event_id", ev.ID), zap.Error(err))
	}
	if op.store == nil {
		return fmt.Errorf("outbox not configured, notification for event %d lost", ev.ID)
	}
	item, err := buffer.NewItem(ev)
	if err != nil {
		return err
	}
	return op.store.Enqueue(item)
}

// Drain delivers parked notifications synchronously.
func (op *OutboxProcessor) Drain(ctx context.Context) error {
	if op == nil || op.store == nil || op.remote == nil {
		return nil
	}
	if !op.online() {
		op.logger.Debug("skipping outbox drain (offline)")
		return nil
	}

	items, err := op.store.Batch(op.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op.deliver(ctx, item)
		if err == nil {
			if err := op.store.Ack(item); err != nil {
				op.logger.Warn("failed to ack delivered notification", zap.Error(err))
			}
			continue
		}

		op.logger.Error("failed to deliver notification",
			zap.String("item_id", item.ID),
			zap.Int64("event_id", item.EventID),
			zap.Error(err))
		if item.Retries+1 >= op.cfg.MaxRetries {
			op.logger.Warn("dropping notification (max retries reached)", zap.Int64("event_id", item.EventID))
			_ = op.store.Ack(item)
			continue
		}
		if err := op.store.Retry(item); err != nil {
			op.logger.Error("failed to requeue notification", zap.Error(err))
		}
	}
	return nil
}

// Size returns the number of parked notifications.
func (op *OutboxProcessor) Size() int {
	if op == nil || op.store == nil {
		return 0
	}
	size, err := op.store.Size()
	if err != nil {
		return 0
	}
	return size
}

func (op *OutboxProcessor) deliver(ctx context.Context, item buffer.Item) error {
	ev, err := item.Event()
	if err != nil {
		return err
	}
	return op.remote.Publish(ctx, ev)
}

func (op *OutboxProcessor) online() bool {
	return op.monitor == nil || op.monitor.IsOnline()
}
