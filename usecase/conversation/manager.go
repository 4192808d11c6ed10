// Package conversation derives the short-lived working set of a conversation from its most
// recent events. Nothing here is stored; every call recomputes the view.
package conversation

import (
	"context"
	"errors"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/schema"
	"github.com/fastygo/chatcrm/repository"
)

// DefaultWindow is the number of trailing events a context is derived from.
const DefaultWindow = 20

// Source is what a context is derived from: the conversation's events, plus the current
// projections to tell live entities from ones archived outside the conversation.
type Source interface {
	repository.EventLog
	repository.EntityStore
}

type Manager struct {
	store    Source
	registry *schema.Registry
	window   int
}

func New(store Source, registry *schema.Registry, window int) *Manager {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Manager{store: store, registry: registry, window: window}
}

// Resolve returns the context of conversationID as seen by userID.
func (m *Manager) Resolve(ctx context.Context, userID, conversationID string) (domain.ConversationContext, error) {
	out := domain.ConversationContext{
		ConversationID: conversationID,
		Recent:         make(map[domain.EntityType][]string),
		WindowSize:     m.window,
	}
	if conversationID == "" {
		return out, nil
	}

	events, err := m.store.ReadForConversation(ctx, userID, conversationID, m.window)
	if err != nil {
		return out, err
	}
	if len(events) > 0 {
		out.LastEventID = events[len(events)-1].ID
	}

	var (
		seen     = make(map[string]bool)
		answered = make(map[domain.EntityType]bool)
	)
	touch := func(typ domain.EntityType, id string, archived bool) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		if !archived {
			out.Recent[typ] = append(out.Recent[typ], id)
		}
	}

	// newest first: the first sighting of an entity decides its position and liveness
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		payload, err := ev.DecodePayload()
		if err != nil {
			return out, err
		}

		if ev.IsRejection() {
			out.OpenQuestions = append(out.OpenQuestions, m.questions(ev, payload, answered)...)
			continue
		}

		answered[ev.EntityType] = true
		touch(ev.EntityType, ev.EntityID, ev.Verb() == domain.VerbArchived)
		for _, ref := range m.references(payload.Action) {
			id, _ := payload.Fields[ref.param].(string)
			if ref.entity == ev.EntityType || id == "" {
				continue
			}
			answered[ref.entity] = true
			touch(ref.entity, id, false)
		}
	}

	if err := m.dropArchived(ctx, userID, out.Recent); err != nil {
		return out, err
	}

	// oldest first reads naturally to the agent
	for i, j := 0, len(out.OpenQuestions)-1; i < j; i, j = i+1, j-1 {
		out.OpenQuestions[i], out.OpenQuestions[j] = out.OpenQuestions[j], out.OpenQuestions[i]
	}
	return out, nil
}

// dropArchived removes entities whose projection is archived. A rollback compensation
// carries no conversation, so its tombstone never shows up in the window.
func (m *Manager) dropArchived(ctx context.Context, userID string, recent map[domain.EntityType][]string) error {
	for typ, ids := range recent {
		live := ids[:0]
		for _, id := range ids {
			entity, err := m.store.GetEntity(ctx, userID, id)
			switch {
			case errors.Is(err, domain.ErrEntityNotFound):
			case err != nil:
				return err
			case entity.Archived:
				continue
			}
			live = append(live, id)
		}
		if len(live) == 0 {
			delete(recent, typ)
			continue
		}
		recent[typ] = live
	}
	return nil
}

// questions lists the unresolved references of a rejection that no later accepted event
// of the same entity type has answered.
func (m *Manager) questions(ev domain.Event, payload domain.EventPayload, answered map[domain.EntityType]bool) []domain.OpenQuestion {
	if payload.ErrorKind != domain.ErrCodeReferenceError {
		return nil
	}
	refs := m.references(payload.Action)
	var out []domain.OpenQuestion
	for _, v := range payload.Violations {
		if v.Rule != "unresolved" && v.Rule != "not_found" {
			continue
		}
		typ := ev.EntityType
		for _, ref := range refs {
			if ref.param == v.Field {
				typ = ref.entity
			}
		}
		if answered[typ] {
			continue
		}
		out = append(out, domain.OpenQuestion{
			EventID:    ev.ID,
			TurnID:     ev.TurnID,
			EntityType: typ,
			Field:      v.Field,
			Message:    v.Message,
		})
	}
	return out
}

type reference struct {
	param  string
	entity domain.EntityType
}

// references lists the reference parameters of kind in declaration order.
func (m *Manager) references(kind string) []reference {
	if m.registry == nil || kind == "" {
		return nil
	}
	spec, err := m.registry.Describe(kind)
	if err != nil {
		return nil
	}
	var refs []reference
	for _, p := range spec.Params {
		if p.IsReference() {
			refs = append(refs, reference{param: p.Name, entity: p.Ref})
		}
	}
	return refs
}
