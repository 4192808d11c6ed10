// Package projection folds events into entity snapshots. The reducers are pure: the same
// ordered events always produce the same entity.
package projection

import (
	"fmt"
	"time"

	"github.com/fastygo/chatcrm/domain"
)

// Activity fields maintained on a contact by activity_logged events.
const (
	FieldActivityCount    = "activity_count"
	FieldLastActivity     = "last_activity_type"
	FieldLastSummary      = "last_activity_summary"
	FieldLastActivityAt   = "last_activity_at"
	FieldLastActivityDeal = "last_activity_deal_id"
	FieldStatus           = "status"
)

// ActivityFields lists every field an activity_logged event may change.
var ActivityFields = []string{FieldActivityCount, FieldLastActivity, FieldLastSummary, FieldLastActivityAt, FieldLastActivityDeal}

// Apply folds one event into entity and returns the new state. The input is never
// modified. Rejection events leave the state untouched.
func Apply(entity *domain.Entity, ev domain.Event) (*domain.Entity, error) {
	if ev.IsRejection() {
		return entity.Clone(), nil
	}

	payload, err := ev.DecodePayload()
	if err != nil {
		return nil, err
	}

	verb := ev.Verb()
	var next *domain.Entity
	switch verb {
	case domain.VerbCreated, domain.VerbImported:
		if entity != nil {
			return nil, fmt.Errorf("event %d: %s on existing entity %s", ev.ID, ev.Kind, ev.EntityID)
		}
		next = &domain.Entity{
			ID:        ev.EntityID,
			Type:      ev.EntityType,
			UserID:    ev.UserID,
			Fields:    make(map[string]any, len(payload.Fields)),
			CreatedAt: ev.CreatedAt,
		}
		for k, v := range payload.Fields {
			if v != nil {
				next.Fields[k] = v
			}
		}
	default:
		if entity == nil {
			return nil, fmt.Errorf("event %d: %s before entity %s exists", ev.ID, ev.Kind, ev.EntityID)
		}
		next = entity.Clone()
		if next.Fields == nil {
			next.Fields = make(map[string]any)
		}
		if err := mutate(next, verb, payload, ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
	}

	version := 1
	if entity != nil {
		version = entity.Version + 1
	}
	if ev.Version != 0 && ev.Version != version {
		return nil, fmt.Errorf("event %d: carries version %d, expected %d", ev.ID, ev.Version, version)
	}
	next.Version = version
	next.UpdatedAt = ev.CreatedAt
	return next, nil
}

func mutate(e *domain.Entity, verb string, p domain.EventPayload, at time.Time) error {
	switch verb {
	case domain.VerbUpdated:
		for k, v := range p.Fields {
			if v == nil {
				delete(e.Fields, k)
				continue
			}
			e.Fields[k] = v
		}
	case domain.VerbStatusChanged:
		if p.To == "" {
			return fmt.Errorf("status change without target status")
		}
		e.Fields[FieldStatus] = string(p.To)
	case domain.VerbActivityLogged:
		e.Fields[FieldActivityCount] = e.Number(FieldActivityCount) + 1
		e.Fields[FieldLastActivity] = p.Fields["activity_type"]
		e.Fields[FieldLastSummary] = p.Fields["summary"]
		e.Fields[FieldLastActivityAt] = at.UTC().Format(time.RFC3339Nano)
		if deal, ok := p.Fields["deal_id"].(string); ok && deal != "" {
			e.Fields[FieldLastActivityDeal] = deal
		} else {
			delete(e.Fields, FieldLastActivityDeal)
		}
	case domain.VerbArchived:
		e.Archived = true
	case domain.VerbRestored:
		e.Archived = false
	default:
		return fmt.Errorf("no reducer for verb %q", verb)
	}
	return nil
}

// Fold replays events of one entity in id order.
func Fold(events []domain.Event) (*domain.Entity, error) {
	return FoldUntil(events, 0)
}

// FoldUntil replays events with id <= upTo. A zero upTo folds everything.
func FoldUntil(events []domain.Event, upTo int64) (*domain.Entity, error) {
	var (
		state  *domain.Entity
		lastID int64
	)
	for _, ev := range events {
		if upTo > 0 && ev.ID > upTo {
			break
		}
		if ev.ID <= lastID {
			return nil, fmt.Errorf("events out of order: %d after %d", ev.ID, lastID)
		}
		lastID = ev.ID
		next, err := Apply(state, ev)
		if err != nil {
			return nil, err
		}
		state = next
	}
	return state, nil
}

// FoldBefore replays events strictly preceding id.
func FoldBefore(events []domain.Event, id int64) (*domain.Entity, error) {
	if id <= 1 {
		return nil, nil
	}
	return FoldUntil(events, id-1)
}
