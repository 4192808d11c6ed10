package main

import (
	"context"
	"log"

	redislib "github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	apiHandler "github.com/fastygo/chatcrm/api/handler"
	"github.com/fastygo/chatcrm/internal/config"
	"github.com/fastygo/chatcrm/internal/infrastructure/buffer"
	"github.com/fastygo/chatcrm/internal/infrastructure/monitor"
	redisInfra "github.com/fastygo/chatcrm/internal/infrastructure/redis"
	"github.com/fastygo/chatcrm/internal/infrastructure/storage"
	"github.com/fastygo/chatcrm/internal/metrics"
	"github.com/fastygo/chatcrm/internal/middleware"
	"github.com/fastygo/chatcrm/internal/router"
	"github.com/fastygo/chatcrm/internal/schema"
	"github.com/fastygo/chatcrm/internal/services"
	"github.com/fastygo/chatcrm/internal/services/lifecycle"
	"github.com/fastygo/chatcrm/pkg/httpcontext"
	"github.com/fastygo/chatcrm/pkg/logger"
	redisRepo "github.com/fastygo/chatcrm/repository/redis"
	"github.com/fastygo/chatcrm/usecase"
	"github.com/fastygo/chatcrm/usecase/audit"
	"github.com/fastygo/chatcrm/usecase/conversation"
	crmUC "github.com/fastygo/chatcrm/usecase/crm"
	"github.com/fastygo/chatcrm/usecase/execution"
	"github.com/fastygo/chatcrm/usecase/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
		Service:  "chatcrm",
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer zapLogger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := lifecycle.New(cfg.Context.ShutdownTimeout, zapLogger)
	manager.Listen(cancel)

	store, closeStore, err := storage.Open(appCtx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("event store unavailable", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	manager.Register("event_store", func(ctx context.Context) error {
		return closeStore()
	})

	registry := schema.MustDefault()
	collector := metrics.New(cfg.AppName)

	hub := services.NewHub(cfg.Core.StreamBuffer, zapLogger)
	sinks := []usecase.EventPublisher{hub}

	var (
		redisClient *redislib.Client
		outboxStore *buffer.Store
		outbox      monitor.Outbox
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisInfra.Connect(cfg.Redis)
		if err != nil {
			zapLogger.Fatal("invalid redis configuration", zap.Error(err))
		}
		manager.Register("redis", func(ctx context.Context) error {
			return redisClient.Close()
		})

		outboxStore, err = buffer.Open(cfg.Outbox.Path, "outbox")
		if err != nil {
			zapLogger.Fatal("failed to open outbox", zap.Error(err))
		}
		manager.Register("outbox", func(ctx context.Context) error {
			return outboxStore.Close()
		})
		outbox = outboxStore
	}

	mon := monitor.New(store, redisClient, outbox, cfg.Outbox.MonitorPeriod, zapLogger)
	mon.Start()
	manager.Register("monitor", func(ctx context.Context) error {
		mon.Stop()
		return nil
	})

	if cfg.Redis.Enabled {
		if !mon.IsOnline() {
			zapLogger.Warn("redis unreachable, notifications are parked in the outbox")
		}
		processor := services.NewOutboxProcessor(
			outboxStore,
			mon,
			redisRepo.NewEventPublisher(redisClient, cfg.Redis.ChannelPrefix),
			zapLogger,
			services.ProcessorConfig{
				Interval:   cfg.Outbox.SyncInterval,
				BatchSize:  cfg.Outbox.BatchSize,
				MaxRetries: cfg.Outbox.MaxRetry,
				Retention:  cfg.Outbox.Retention,
			},
		)
		processor.Start()
		manager.Register("outbox_processor", func(ctx context.Context) error {
			processor.Stop(ctx)
			return processor.Drain(ctx)
		})
		sinks = append(sinks, processor)
	}
	publisher := services.NewFanout(sinks...)

	contexts := conversation.New(store, registry, cfg.Core.ContextWindow)
	pipeline := validation.New(registry, store, zapLogger)
	executor := execution.New(store, pipeline, contexts, publisher, collector, zapLogger, execution.Config{
		MaxAttempts: cfg.Core.ExecutorMaxAttempts,
	})
	auditor := audit.New(store, publisher, collector, zapLogger, audit.Config{
		MaxAttempts: cfg.Core.ExecutorMaxAttempts,
	})
	crmUseCase := crmUC.New(store, registry, executor, auditor, contexts, zapLogger)

	ctxAdapter := httpcontext.NewAdapter(cfg.Context.RequestTimeout)

	handlers := router.Handlers{
		CRM:    apiHandler.NewCRMHandler(crmUseCase, ctxAdapter, zapLogger),
		Stream: apiHandler.NewStreamHandler(crmUseCase, hub, ctxAdapter, zapLogger),
		Health: apiHandler.NewHealthHandler(mon, ctxAdapter, zapLogger),
		Pprof:  cfg.HTTP.EnablePprof,
	}
	if cfg.HTTP.EnableMetrics {
		handlers.Metrics = collector.Handler()
	}

	authMiddleware := middleware.JWTAuth(cfg.JWT.Secret, cfg.JWT.Issuer, zapLogger)
	r := router.New(handlers, authMiddleware)

	server := &fasthttp.Server{
		Handler:      r.Handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		Concurrency:  cfg.HTTP.MaxConn,
		Name:         cfg.AppName,
	}

	go func() {
		zapLogger.Info("server started",
			zap.String("address", cfg.Address()),
			zap.String("storage", cfg.Storage.Driver),
			zap.Int("action_kinds", len(registry.Kinds())))
		if err := server.ListenAndServe(cfg.Address()); err != nil {
			zapLogger.Fatal("server crashed", zap.Error(err))
		}
	}()

	manager.Register("http_server", func(ctx context.Context) error {
		return server.ShutdownWithContext(ctx)
	})
	// Hooks run in reverse, so open event streams end before the server waits for them.
	manager.Register("broadcaster", func(ctx context.Context) error {
		hub.Close()
		return nil
	})

	<-appCtx.Done()

	if err := manager.Shutdown(context.Background()); err != nil {
		zapLogger.Error("graceful shutdown error", zap.Error(err))
	}
}
