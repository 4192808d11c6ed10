// Package audit replays entities from the event log, verifies stored projections against
// the replay and rolls events back by appending compensating events.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/projection"
	"github.com/fastygo/chatcrm/repository"
	"github.com/fastygo/chatcrm/usecase"
)

// ActionRollback is the payload action of compensating events.
const ActionRollback = "rollback"

// Rollback outcomes reported to the Recorder.
const (
	OutcomeCompensated        = "compensated"
	OutcomeNotReversible      = "not_reversible"
	OutcomeAlreadyCompensated = "already_compensated"
	OutcomeFailed             = "failed"
)

type Config struct {
	MaxAttempts int
	Clock       func() time.Time
}

type Manager struct {
	store     repository.Store
	publisher usecase.EventPublisher
	recorder  usecase.Recorder
	logger    *zap.Logger
	cfg       Config
}

func New(store repository.Store, publisher usecase.EventPublisher, recorder usecase.Recorder, logger *zap.Logger, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
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
	return &Manager{store: store, publisher: publisher, recorder: recorder, logger: logger, cfg: cfg}
}

// Trail returns every event recorded against entityID, rejections included, in id order.
func (m *Manager) Trail(ctx context.Context, userID, entityID string) ([]domain.Event, error) {
	events, err := m.store.ReadForEntity(ctx, userID, entityID)
	if err != nil {
		return nil, unavailable("read entity events", err)
	}
	if len(events) == 0 {
		return nil, domain.ErrEntityNotFound
	}
	return events, nil
}

// Replay folds the full history of entityID.
func (m *Manager) Replay(ctx context.Context, userID, entityID string) (*domain.Entity, error) {
	return m.ReplayAt(ctx, userID, entityID, 0)
}

// ReplayAt folds the history of entityID up to and including eventID. A zero eventID
// folds everything.
func (m *Manager) ReplayAt(ctx context.Context, userID, entityID string, eventID int64) (*domain.Entity, error) {
	events, err := m.store.ReadForEntity(ctx, userID, entityID)
	if err != nil {
		return nil, unavailable("read entity events", err)
	}
	entity, err := projection.FoldUntil(events, eventID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeInternal, "replay "+entityID, err)
	}
	if entity == nil {
		return nil, domain.ErrEntityNotFound
	}
	return entity, nil
}

// Report compares a stored projection with the replay of its events.
type Report struct {
	EntityID   string         `json:"entity_id"`
	Replayed   *domain.Entity `json:"replayed"`
	Stored     *domain.Entity `json:"stored,omitempty"`
	Consistent bool           `json:"consistent"`
	Diff       string         `json:"diff,omitempty"`
	Repaired   bool           `json:"repaired,omitempty"`
}

var entityComparer = cmp.Options{cmpopts.EquateEmpty()}

// Verify replays entityID and diffs the result against the stored projection.
func (m *Manager) Verify(ctx context.Context, userID, entityID string) (Report, error) {
	replayed, err := m.Replay(ctx, userID, entityID)
	if err != nil {
		return Report{}, err
	}
	report := Report{EntityID: entityID, Replayed: replayed}

	stored, err := m.store.GetEntity(ctx, userID, entityID)
	switch {
	case errors.Is(err, domain.ErrEntityNotFound):
		report.Diff = "stored projection missing"
		return report, nil
	case err != nil:
		return Report{}, unavailable("load projection", err)
	}
	report.Stored = stored
	report.Diff = cmp.Diff(replayed, stored, entityComparer)
	report.Consistent = report.Diff == ""
	return report, nil
}

// VerifyAll checks every entity of userID that has accepted events. With repair set,
// drifted projections are overwritten with their replay. Only inconsistent reports are
// returned, alongside the number of entities checked.
func (m *Manager) VerifyAll(ctx context.Context, userID string, repair bool) ([]Report, int, error) {
	var ids []string
	seen := make(map[string]bool)
	for ev, err := range repository.Stream(ctx, m.store, userID, 0, 0) {
		if err != nil {
			return nil, 0, unavailable("stream events", err)
		}
		if ev.EntityID == "" || ev.IsRejection() || seen[ev.EntityID] {
			continue
		}
		seen[ev.EntityID] = true
		ids = append(ids, ev.EntityID)
	}

	var drifted []Report
	for _, id := range ids {
		report, err := m.Verify(ctx, userID, id)
		if err != nil {
			return drifted, len(ids), err
		}
		if report.Consistent {
			continue
		}
		if repair {
			if err := m.store.RebuildProjection(ctx, report.Replayed); err != nil {
				return drifted, len(ids), unavailable("rebuild projection", err)
			}
			report.Repaired = true
			m.logger.Warn("projection repaired", zap.String("user_id", userID), zap.String("entity_id", id))
		}
		drifted = append(drifted, report)
	}
	return drifted, len(ids), nil
}

// Compensation is the outcome of a rollback.
type Compensation struct {
	Event       domain.Event   `json:"event"`
	Entity      *domain.Entity `json:"entity_snapshot"`
	Compensates int64          `json:"compensates"`
}

// RollbackKey is the idempotency key that makes an event compensable once.
func RollbackKey(userID string, eventID int64) string {
	return userID + "/rollback/" + strconv.FormatInt(eventID, 10)
}

// Rollback appends the inverse of eventID. Compensation bypasses business rules but still
// obeys the optimistic version check, retrying when the entity moves underneath it.
func (m *Manager) Rollback(ctx context.Context, userID string, eventID int64, origin domain.Origin) (Compensation, error) {
	if userID == "" {
		return Compensation{}, domain.ErrMissingUserID
	}
	if origin == "" {
		origin = domain.OriginManual
	}

	result, err := m.rollback(ctx, userID, eventID, origin)
	switch {
	case err == nil:
		m.recorder.ObserveRollback(OutcomeCompensated)
	case errors.Is(err, domain.ErrNotReversible):
		m.recorder.ObserveRollback(OutcomeNotReversible)
	case errors.Is(err, domain.ErrAlreadyCompensated):
		m.recorder.ObserveRollback(OutcomeAlreadyCompensated)
	default:
		m.recorder.ObserveRollback(OutcomeFailed)
	}
	return result, err
}

func (m *Manager) rollback(ctx context.Context, userID string, eventID int64, origin domain.Origin) (Compensation, error) {
	target, err := m.store.Get(ctx, userID, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return Compensation{}, err
		}
		return Compensation{}, unavailable("load event", err)
	}
	if err := reversible(target); err != nil {
		return Compensation{}, err
	}

	key := RollbackKey(userID, eventID)
	if existing, err := m.store.FindByIdempotencyKey(ctx, userID, key); err == nil {
		return Compensation{Event: existing, Compensates: eventID}, domain.ErrAlreadyCompensated
	} else if !errors.Is(err, domain.ErrEventNotFound) {
		return Compensation{}, unavailable("look up compensation", err)
	}

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		events, err := m.store.ReadForEntity(ctx, userID, target.EntityID)
		if err != nil {
			return Compensation{}, unavailable("read entity events", err)
		}
		current, err := projection.Fold(events)
		if err != nil {
			return Compensation{}, domain.WrapError(domain.ErrCodeInternal, "replay "+target.EntityID, err)
		}
		before, err := projection.FoldBefore(events, target.ID)
		if err != nil {
			return Compensation{}, domain.WrapError(domain.ErrCodeInternal, "replay "+target.EntityID, err)
		}
		if current == nil {
			return Compensation{}, domain.ErrEntityNotFound
		}

		ev, err := m.inverse(target, current, before, origin, key)
		if err != nil {
			return Compensation{}, err
		}
		next, err := projection.Apply(current, ev)
		if err != nil {
			return Compensation{}, domain.WrapError(domain.ErrCodeInternal, "apply compensation", err)
		}

		stored, err := m.store.Commit(ctx, repository.Mutation{Event: ev, Entity: next, ExpectedVersion: current.Version})
		switch {
		case err == nil:
			m.logger.Info("event compensated",
				zap.String("user_id", userID),
				zap.Int64("event_id", eventID),
				zap.Int64("compensation_id", stored.ID),
				zap.String("kind", stored.Kind))
			if err := m.publisher.Publish(context.WithoutCancel(ctx), stored); err != nil {
				m.logger.Warn("event notification failed", zap.Int64("event_id", stored.ID), zap.Error(err))
			}
			return Compensation{Event: stored, Entity: next, Compensates: eventID}, nil
		case errors.Is(err, domain.ErrDuplicateCausality):
			return Compensation{Event: stored, Compensates: eventID}, domain.ErrAlreadyCompensated
		case errors.Is(err, domain.ErrVersionConflict):
			m.logger.Warn("version conflict during rollback", zap.Int64("event_id", eventID), zap.Int("attempt", attempt))
			continue
		default:
			return Compensation{}, unavailable("append compensation", err)
		}
	}
	return Compensation{}, domain.WrapError(domain.ErrCodeConcurrentModification, "rollback of event "+strconv.FormatInt(eventID, 10), domain.ErrVersionConflict)
}

func reversible(ev domain.Event) error {
	switch ev.Verb() {
	case domain.VerbCreated, domain.VerbUpdated, domain.VerbStatusChanged, domain.VerbActivityLogged,
		domain.VerbArchived, domain.VerbRestored:
		return nil
	}
	return domain.WrapError(domain.ErrCodeNotReversible, fmt.Sprintf("%s events cannot be rolled back", ev.Kind), domain.ErrNotReversible)
}

// inverse builds the compensating event of target given the entity now and just before
// target was applied.
func (m *Manager) inverse(target domain.Event, current, before *domain.Entity, origin domain.Origin, key string) (domain.Event, error) {
	payload, err := target.DecodePayload()
	if err != nil {
		return domain.Event{}, err
	}

	var (
		verb string
		out  = domain.EventPayload{Action: ActionRollback, Compensates: target.ID}
	)
	switch target.Verb() {
	case domain.VerbCreated, domain.VerbRestored:
		verb = domain.VerbArchived
	case domain.VerbArchived:
		verb = domain.VerbRestored
	case domain.VerbUpdated:
		verb = domain.VerbUpdated
		out.Fields, out.Previous = restore(keys(payload.Fields), current, before)
	case domain.VerbActivityLogged:
		verb = domain.VerbUpdated
		out.Fields, out.Previous = restore(projection.ActivityFields, current, before)
	case domain.VerbStatusChanged:
		verb = domain.VerbStatusChanged
		out.From = current.Status()
		out.To = before.Status()
		out.Override = true
		if out.To == "" {
			out.To = payload.From
		}
	}

	raw, err := out.Encode()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		UserID:         target.UserID,
		EntityType:     target.EntityType,
		EntityID:       target.EntityID,
		Kind:           domain.Kind(target.EntityType, verb),
		Version:        current.Version + 1,
		Payload:        raw,
		Origin:         origin,
		CausalityID:    ActionRollback + ":" + strconv.FormatInt(target.ID, 10),
		IdempotencyKey: key,
		CreatedAt:      m.cfg.Clock().UTC().Truncate(time.Microsecond),
	}, nil
}

// restore returns the prior values of fields (nil when they were absent) and their
// current values.
func restore(fields []string, current, before *domain.Entity) (map[string]any, map[string]any) {
	prior := make(map[string]any, len(fields))
	now := make(map[string]any, len(fields))
	for _, f := range fields {
		prior[f] = nil
		if before != nil {
			if v, ok := before.Fields[f]; ok {
				prior[f] = v
			}
		}
		now[f] = current.Fields[f]
	}
	return prior, now
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func unavailable(op string, err error) error {
	if domain.IsDomainError(err, domain.ErrCodeStorageUnavailable) {
		return err
	}
	return domain.WrapError(domain.ErrCodeStorageUnavailable, op, err)
}
