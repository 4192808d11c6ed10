// Package crm is the external surface of the mutation core: submit, audit trail and
// rollback, plus the read views built on the event log.
package crm

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/schema"
	"github.com/fastygo/chatcrm/repository"
	"github.com/fastygo/chatcrm/usecase"
	"github.com/fastygo/chatcrm/usecase/audit"
	"github.com/fastygo/chatcrm/usecase/execution"
)

type UseCase struct {
	store    repository.Store
	registry *schema.Registry
	executor *execution.Executor
	audit    *audit.Manager
	contexts usecase.ContextResolver
	logger   *zap.Logger
}

func New(
	store repository.Store,
	registry *schema.Registry,
	executor *execution.Executor,
	auditor *audit.Manager,
	contexts usecase.ContextResolver,
	logger *zap.Logger,
) *UseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UseCase{
		store:    store,
		registry: registry,
		executor: executor,
		audit:    auditor,
		contexts: contexts,
		logger:   logger,
	}
}

// Submit validates and executes one candidate action.
func (uc *UseCase) Submit(ctx context.Context, userID string, candidate domain.CandidateAction) (domain.ExecutionResult, error) {
	return uc.executor.Submit(ctx, userID, candidate)
}

// GetAuditTrail lists every event recorded against entityID.
func (uc *UseCase) GetAuditTrail(ctx context.Context, userID, entityID string) ([]domain.Event, error) {
	if userID == "" {
		return nil, domain.ErrMissingUserID
	}
	return uc.audit.Trail(ctx, userID, entityID)
}

// RequestRollback compensates eventID.
func (uc *UseCase) RequestRollback(ctx context.Context, userID string, eventID int64, origin domain.Origin) (audit.Compensation, error) {
	return uc.audit.Rollback(ctx, userID, eventID, origin)
}

// Entity returns the replayed state of entityID.
func (uc *UseCase) Entity(ctx context.Context, userID, entityID string) (*domain.Entity, error) {
	if userID == "" {
		return nil, domain.ErrMissingUserID
	}
	return uc.audit.Replay(ctx, userID, entityID)
}

// VerifyEntity compares the stored projection of entityID with its replay.
func (uc *UseCase) VerifyEntity(ctx context.Context, userID, entityID string) (audit.Report, error) {
	if userID == "" {
		return audit.Report{}, domain.ErrMissingUserID
	}
	return uc.audit.Verify(ctx, userID, entityID)
}

// VerifyAll checks every projection of userID and optionally repairs drift.
func (uc *UseCase) VerifyAll(ctx context.Context, userID string, repair bool) ([]audit.Report, int, error) {
	if userID == "" {
		return nil, 0, domain.ErrMissingUserID
	}
	reports, checked, err := uc.audit.VerifyAll(ctx, userID, repair)
	if err == nil && len(reports) > 0 {
		uc.logger.Warn("projection drift detected", zap.String("user_id", userID), zap.Int("drifted", len(reports)), zap.Int("checked", checked))
	}
	return reports, checked, err
}

// Entities lists stored projections.
func (uc *UseCase) Entities(ctx context.Context, userID string, filter repository.EntityFilter) ([]domain.Entity, error) {
	if userID == "" {
		return nil, domain.ErrMissingUserID
	}
	entities, err := uc.store.ListEntities(ctx, userID, filter)
	if err != nil {
		return nil, storageError("list entities", err)
	}
	return entities, nil
}

// Page is a slice of the event log and the cursor to continue from.
type Page struct {
	Events     []domain.Event `json:"events"`
	NextCursor int64          `json:"next_cursor"`
}

// Events reads the log of userID after cursor.
func (uc *UseCase) Events(ctx context.Context, userID string, cursor int64, limit int) (Page, error) {
	if userID == "" {
		return Page{}, domain.ErrMissingUserID
	}
	events, err := uc.store.ReadSince(ctx, userID, cursor, limit)
	if err != nil {
		return Page{}, storageError("read events", err)
	}
	page := Page{Events: events, NextCursor: cursor}
	if n := len(events); n > 0 {
		page.NextCursor = events[n-1].ID
	}
	return page, nil
}

// Context derives the working set of a conversation.
func (uc *UseCase) Context(ctx context.Context, userID, conversationID string) (domain.ConversationContext, error) {
	if userID == "" {
		return domain.ConversationContext{}, domain.ErrMissingUserID
	}
	cc, err := uc.contexts.Resolve(ctx, userID, conversationID)
	if err != nil {
		return domain.ConversationContext{}, storageError("resolve context", err)
	}
	return cc, nil
}

// Catalogue lists the supported action kinds in declaration order.
func (uc *UseCase) Catalogue() []schema.ParameterSchema {
	kinds := uc.registry.Kinds()
	out := make([]schema.ParameterSchema, 0, len(kinds))
	for _, kind := range kinds {
		if spec, err := uc.registry.Describe(kind); err == nil {
			out = append(out, spec)
		}
	}
	return out
}

func storageError(op string, err error) error {
	var dErr *domain.Error
	if errors.As(err, &dErr) {
		return err
	}
	return domain.WrapError(domain.ErrCodeStorageUnavailable, op, err)
}
