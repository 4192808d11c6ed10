// Package execution turns validated actions into durable events. It is the only writer of
// entity projections.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/projection"
	"github.com/fastygo/chatcrm/repository"
	"github.com/fastygo/chatcrm/usecase"
	"github.com/fastygo/chatcrm/usecase/validation"
)

// Config tunes the executor.
type Config struct {
	// MaxAttempts bounds re-validation after losing an optimistic version check.
	MaxAttempts int
	Clock       func() time.Time
	NewID       func() string
}

// Executor validates, executes and records submissions exactly once per turn and kind.
type Executor struct {
	store     repository.Store
	pipeline  *validation.Pipeline
	contexts  usecase.ContextResolver
	publisher usecase.EventPublisher
	recorder  usecase.Recorder
	logger    *zap.Logger
	cfg       Config
	inflight  singleflight.Group
}

func New(
	store repository.Store,
	pipeline *validation.Pipeline,
	contexts usecase.ContextResolver,
	publisher usecase.EventPublisher,
	recorder usecase.Recorder,
	logger *zap.Logger,
	cfg Config,
) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if publisher == nil {
		publisher = usecase.NopPublisher{}
	}
	if recorder == nil {
		recorder = usecase.NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:     store,
		pipeline:  pipeline,
		contexts:  contexts,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
		cfg:       cfg,
	}
}

// Submit validates candidate and executes it. Every call that returns a nil error has
// appended (or previously appended) exactly one event. Errors are STORAGE_UNAVAILABLE or
// a missing user id; validation and concurrency refusals are rejected results.
func (e *Executor) Submit(ctx context.Context, userID string, candidate domain.CandidateAction) (domain.ExecutionResult, error) {
	if userID == "" {
		return domain.ExecutionResult{}, domain.ErrMissingUserID
	}
	started := time.Now()

	key := candidate.IdempotencyKey(userID)
	var (
		result domain.ExecutionResult
		err    error
	)
	if key == "" {
		result, err = e.submit(ctx, userID, candidate)
	} else {
		var v any
		v, err, _ = e.inflight.Do(key, func() (any, error) {
			return e.submit(ctx, userID, candidate)
		})
		if err == nil {
			result = v.(domain.ExecutionResult)
		}
	}

	if err != nil {
		e.recorder.ObserveSubmission(candidate.Kind, "", domain.CodeOf(err), time.Since(started))
		e.logger.Error("submission failed",
			zap.String("user_id", userID),
			zap.String("kind", candidate.Kind),
			zap.String("causality_id", candidate.CausalityID()),
			zap.Error(err))
		return domain.ExecutionResult{}, err
	}
	e.recorder.ObserveSubmission(candidate.Kind, result.Status, result.ErrorKind, time.Since(started))
	return result, nil
}

func (e *Executor) submit(ctx context.Context, userID string, candidate domain.CandidateAction) (domain.ExecutionResult, error) {
	key := candidate.IdempotencyKey(userID)
	if key != "" {
		existing, err := e.store.FindByIdempotencyKey(ctx, userID, key)
		switch {
		case err == nil:
			e.logger.Info("duplicate submission", zap.String("idempotency_key", key), zap.Int64("event_id", existing.ID))
			return e.ResultOf(ctx, existing)
		case !errors.Is(err, domain.ErrEventNotFound):
			return domain.ExecutionResult{}, unavailable("look up idempotency key", err)
		}
	}

	cc := domain.ConversationContext{ConversationID: candidate.ConversationID}
	if e.contexts != nil && candidate.ConversationID != "" {
		resolved, err := e.contexts.Resolve(ctx, userID, candidate.ConversationID)
		if err != nil {
			return domain.ExecutionResult{}, unavailable("resolve conversation context", err)
		}
		cc = resolved
	}

	var (
		last           domain.ValidationResult
		lastViolations []domain.Violation
	)
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res, validated, err := e.pipeline.Validate(ctx, userID, candidate, cc)
		if err != nil {
			return domain.ExecutionResult{}, unavailable("validate", err)
		}
		last = res
		if !res.Accepted {
			if attempt > 1 {
				// the action was valid before another writer moved the entity
				return e.reject(ctx, userID, candidate, res, domain.ErrCodeConcurrentModification, res.Violations, false)
			}
			return e.reject(ctx, userID, candidate, res, res.ErrorKind, res.Violations, true)
		}

		if pinned := candidate.ExpectedVersion; pinned != nil && validated.Target != nil && *pinned != validated.ExpectedVersion() {
			e.recorder.ObserveConflict(candidate.Kind)
			return e.reject(ctx, userID, candidate, res, domain.ErrCodeConcurrentModification, []domain.Violation{{
				Stage:   domain.StageExecution,
				Field:   e.targetName(candidate.Kind),
				Rule:    "stale_version",
				Message: fmt.Sprintf("expected version %d, entity is at version %d", *pinned, validated.ExpectedVersion()),
			}}, false)
		}

		result, err := e.Execute(ctx, validated)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.ExecutionResult{}, err
		}

		e.recorder.ObserveConflict(candidate.Kind)
		e.logger.Warn("version conflict, re-validating",
			zap.String("kind", candidate.Kind),
			zap.String("entity_id", validated.Target.ID),
			zap.Int("attempt", attempt))
		lastViolations = []domain.Violation{{
			Stage:   domain.StageExecution,
			Field:   e.targetName(candidate.Kind),
			Rule:    "version_conflict",
			Message: fmt.Sprintf("entity changed concurrently %d times", attempt),
		}}
		if candidate.ExpectedVersion != nil {
			break
		}
	}

	return e.reject(ctx, userID, candidate, last, domain.ErrCodeConcurrentModification, lastViolations, false)
}

// Execute appends the event of one validated action and updates its projection
// atomically. Losing the optimistic version check yields a CONCURRENT_MODIFICATION error
// wrapping domain.ErrVersionConflict; nothing is written in that case.
func (e *Executor) Execute(ctx context.Context, validated *domain.ValidatedAction) (domain.ExecutionResult, error) {
	if validated == nil {
		return domain.ExecutionResult{}, domain.ErrInvalidPayload
	}

	ev, err := e.buildEvent(validated)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	entity, err := projection.Apply(validated.Target, ev)
	if err != nil {
		return domain.ExecutionResult{}, domain.WrapError(domain.ErrCodeInternal, "apply event", err)
	}

	stored, err := e.store.Commit(ctx, repository.Mutation{
		Event:           ev,
		Entity:          entity,
		ExpectedVersion: validated.ExpectedVersion(),
	})
	switch {
	case errors.Is(err, domain.ErrVersionConflict):
		return domain.ExecutionResult{}, domain.WrapError(domain.ErrCodeConcurrentModification, "append event", err)
	case errors.Is(err, domain.ErrDuplicateCausality):
		if stored.ID == 0 {
			if stored, err = e.store.FindByIdempotencyKey(ctx, validated.UserID, ev.IdempotencyKey); err != nil {
				return domain.ExecutionResult{}, unavailable("load duplicate", err)
			}
		}
		return e.ResultOf(ctx, stored)
	case err != nil:
		return domain.ExecutionResult{}, unavailable("append event", err)
	}

	e.logger.Info("action executed",
		zap.String("user_id", stored.UserID),
		zap.String("kind", stored.Kind),
		zap.String("entity_id", stored.EntityID),
		zap.Int64("event_id", stored.ID),
		zap.Int("version", stored.Version))
	e.notify(ctx, stored)

	return domain.ExecutionResult{
		Status: domain.StatusAccepted,
		Event:  stored,
		Entity: entity,
	}, nil
}

// ResultOf rebuilds the result a stored event was returned with. Accepted results carry
// the entity as of that event.
func (e *Executor) ResultOf(ctx context.Context, ev domain.Event) (domain.ExecutionResult, error) {
	payload, err := ev.DecodePayload()
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if ev.IsRejection() {
		return domain.ExecutionResult{
			Status:     domain.StatusRejected,
			Event:      ev,
			Violations: payload.Violations,
			ErrorKind:  payload.ErrorKind,
		}, nil
	}

	events, err := e.store.ReadForEntity(ctx, ev.UserID, ev.EntityID)
	if err != nil {
		return domain.ExecutionResult{}, unavailable("read entity events", err)
	}
	snapshot, err := projection.FoldUntil(events, ev.ID)
	if err != nil {
		return domain.ExecutionResult{}, domain.WrapError(domain.ErrCodeInternal, "replay entity", err)
	}
	return domain.ExecutionResult{Status: domain.StatusAccepted, Event: ev, Entity: snapshot}, nil
}

func (e *Executor) buildEvent(v *domain.ValidatedAction) (domain.Event, error) {
	var (
		entityID = e.cfg.NewID()
		target   = e.targetName(v.Kind)
		payload  = domain.EventPayload{Action: v.Kind, Resolved: v.Resolved}
	)
	if v.Target != nil {
		entityID = v.Target.ID
	}

	fields := make(map[string]any, len(v.Parameters))
	for name, value := range v.Parameters {
		if name != target {
			fields[name] = value
		}
	}

	switch v.Verb {
	case domain.VerbCreated, domain.VerbImported:
		if v.EntityType == domain.EntityDeal {
			fields[projection.FieldStatus] = string(domain.DealProspecting)
		}
		payload.Fields = fields
	case domain.VerbUpdated:
		payload.Fields = fields
		payload.Previous = make(map[string]any, len(fields))
		for name := range fields {
			payload.Previous[name] = v.Target.Fields[name]
		}
	case domain.VerbStatusChanged:
		payload.From = v.Target.Status()
		payload.To = domain.DealStatus(fmt.Sprint(fields["status"]))
		payload.Override, _ = fields["override"].(bool)
	case domain.VerbActivityLogged:
		payload.Fields = fields
	case domain.VerbArchived, domain.VerbRestored:
	default:
		return domain.Event{}, domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("no event builder for verb %q", v.Verb))
	}

	raw, err := payload.Encode()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		UserID:         v.UserID,
		EntityType:     v.EntityType,
		EntityID:       entityID,
		Kind:           domain.Kind(v.EntityType, v.Verb),
		Version:        v.ExpectedVersion() + 1,
		Payload:        raw,
		Origin:         v.Candidate.EffectiveOrigin(),
		CausalityID:    v.Candidate.CausalityID(),
		ConversationID: v.Candidate.ConversationID,
		TurnID:         v.Candidate.TurnID,
		IdempotencyKey: v.Candidate.IdempotencyKey(v.UserID),
		CreatedAt:      e.now(),
	}, nil
}

// reject records a rejection event. Validation refusals claim the idempotency key so a
// retried turn gets the same answer; concurrency refusals leave it free.
func (e *Executor) reject(ctx context.Context, userID string, candidate domain.CandidateAction, res domain.ValidationResult, code domain.ErrorCode, violations []domain.Violation, claim bool) (domain.ExecutionResult, error) {
	entityType := domain.EntityAction
	if spec, err := e.pipeline.Describe(candidate.Kind); err == nil {
		entityType = spec.Entity
	}

	payload := domain.EventPayload{
		Action:     candidate.Kind,
		ErrorKind:  code,
		Violations: violations,
		Parameters: candidate.Parameters,
		Resolved:   res.Resolved,
		Retryable:  code == domain.ErrCodeConcurrentModification,
	}
	raw, err := payload.Encode()
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	ev := domain.Event{
		UserID:         userID,
		EntityType:     entityType,
		EntityID:       e.rejectedEntityID(candidate, res),
		Kind:           domain.Kind(entityType, domain.VerbRejected),
		Payload:        raw,
		Origin:         candidate.EffectiveOrigin(),
		CausalityID:    candidate.CausalityID(),
		ConversationID: candidate.ConversationID,
		TurnID:         candidate.TurnID,
		CreatedAt:      e.now(),
	}
	if claim {
		ev.IdempotencyKey = candidate.IdempotencyKey(userID)
	}

	stored, err := e.store.Append(ctx, ev)
	if errors.Is(err, domain.ErrDuplicateCausality) {
		if stored.ID == 0 {
			if stored, err = e.store.FindByIdempotencyKey(ctx, userID, ev.IdempotencyKey); err != nil {
				return domain.ExecutionResult{}, unavailable("load duplicate", err)
			}
		}
		return e.ResultOf(ctx, stored)
	}
	if err != nil {
		return domain.ExecutionResult{}, unavailable("append rejection", err)
	}

	e.logger.Info("action rejected",
		zap.String("user_id", userID),
		zap.String("kind", candidate.Kind),
		zap.String("error_kind", string(code)),
		zap.Int64("event_id", stored.ID))
	e.notify(ctx, stored)

	return domain.ExecutionResult{
		Status:     domain.StatusRejected,
		Event:      stored,
		Violations: violations,
		ErrorKind:  code,
	}, nil
}

// rejectedEntityID names the entity a refused action was aimed at. Refused creates have
// none.
func (e *Executor) rejectedEntityID(candidate domain.CandidateAction, res domain.ValidationResult) string {
	target := e.targetName(candidate.Kind)
	if target == "" {
		return ""
	}
	if id, ok := res.Normalized[target].(string); ok {
		return id
	}
	id, _ := candidate.Parameters[target].(string)
	return id
}

// targetName is the parameter naming the entity kind mutates; empty for creates.
func (e *Executor) targetName(kind string) string {
	spec, err := e.pipeline.Describe(kind)
	if err != nil {
		return ""
	}
	if target, ok := spec.TargetParam(); ok {
		return target.Name
	}
	return ""
}

func (e *Executor) notify(ctx context.Context, ev domain.Event) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("event notification failed", zap.Int64("event_id", ev.ID), zap.Error(err))
	}
}

func (e *Executor) now() time.Time {
	return e.cfg.Clock().UTC().Truncate(time.Microsecond)
}

func unavailable(op string, err error) error {
	if domain.IsDomainError(err, domain.ErrCodeStorageUnavailable) {
		return err
	}
	return domain.WrapError(domain.ErrCodeStorageUnavailable, op, err)
}
