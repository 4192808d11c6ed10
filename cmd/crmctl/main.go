// Command crmctl inspects and repairs the event log of one user from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/internal/config"
	"github.com/fastygo/chatcrm/internal/infrastructure/storage"
	"github.com/fastygo/chatcrm/internal/schema"
	"github.com/fastygo/chatcrm/pkg/logger"
	"github.com/fastygo/chatcrm/repository"
	"github.com/fastygo/chatcrm/usecase/audit"
	"github.com/fastygo/chatcrm/usecase/conversation"
	crmUC "github.com/fastygo/chatcrm/usecase/crm"
	"github.com/fastygo/chatcrm/usecase/execution"
	"github.com/fastygo/chatcrm/usecase/validation"
)

// app is what a command needs: the use case and a func releasing its storage.
type app struct {
	uc    *crmUC.UseCase
	close func() error
}

type opener func(ctx context.Context) (*app, error)

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

func openFromEnv(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	zapLogger, err := logger.New(logger.Config{Level: "error", Encoding: "console", Output: os.Stderr})
	if err != nil {
		return nil, err
	}

	store, closeStore, err := storage.Open(ctx, cfg, zapLogger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return newApp(store, closeStore, cfg.Core, zapLogger), nil
}

func newApp(store repository.Store, closeFn func() error, core config.CoreConfig, zapLogger *zap.Logger) *app {
	registry := schema.MustDefault()
	contexts := conversation.New(store, registry, core.ContextWindow)
	executor := execution.New(store, validation.New(registry, store, zapLogger), contexts, nil, nil, zapLogger, execution.Config{
		MaxAttempts: core.ExecutorMaxAttempts,
	})
	auditor := audit.New(store, nil, nil, zapLogger, audit.Config{MaxAttempts: core.ExecutorMaxAttempts})
	return &app{
		uc:    crmUC.New(store, registry, executor, auditor, contexts, zapLogger),
		close: closeFn,
	}
}
