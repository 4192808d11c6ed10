// Package storetest holds behaviour checks every repository.Store implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/repository"
)

// Factory returns a fresh, empty store. Cleanup is the factory's responsibility.
type Factory func(t *testing.T) repository.Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CommitAssignsMonotonicIDs", func(t *testing.T) { commitAssignsMonotonicIDs(t, newStore(t)) })
	t.Run("CommitChecksVersion", func(t *testing.T) { commitChecksVersion(t, newStore(t)) })
	t.Run("IdempotencyKeyIsUnique", func(t *testing.T) { idempotencyKeyIsUnique(t, newStore(t)) })
	t.Run("DuplicateReturnsStoredPayload", func(t *testing.T) { duplicateReturnsStoredPayload(t, newStore(t)) })
	t.Run("ReadsAreUserScoped", func(t *testing.T) { readsAreUserScoped(t, newStore(t)) })
	t.Run("ReadSincePages", func(t *testing.T) { readSincePages(t, newStore(t)) })
	t.Run("ReadForConversationKeepsTail", func(t *testing.T) { readForConversationKeepsTail(t, newStore(t)) })
	t.Run("ListEntitiesFilters", func(t *testing.T) { listEntitiesFilters(t, newStore(t)) })
	t.Run("RebuildProjection", func(t *testing.T) { rebuildProjection(t, newStore(t)) })
}

var at = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// Event builds a minimal event for user on entity.
func Event(user, entityID, verb string, version int) domain.Event {
	payload, _ := json.Marshal(domain.EventPayload{Fields: map[string]any{"first_name": "Jane"}})
	return domain.Event{
		UserID:     user,
		EntityType: domain.EntityContact,
		EntityID:   entityID,
		Kind:       domain.Kind(domain.EntityContact, verb),
		Version:    version,
		Payload:    payload,
		Origin:     domain.OriginAI,
		CreatedAt:  at,
	}
}

// Entity builds the projection matching Event.
func Entity(user, id string, version int) *domain.Entity {
	return &domain.Entity{
		ID:        id,
		Type:      domain.EntityContact,
		UserID:    user,
		Version:   version,
		Fields:    map[string]any{"first_name": "Jane", "score": float64(version)},
		CreatedAt: at,
		UpdatedAt: at.Add(time.Duration(version) * time.Second),
	}
}

func commitAssignsMonotonicIDs(t *testing.T, store repository.Store) {
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		ev, err := store.Append(ctx, Event("u1", fmt.Sprintf("c%d", i), domain.VerbRejected, 0))
		require.NoError(t, err)
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}

	got, err := store.Get(ctx, "u1", last)
	require.NoError(t, err)
	assert.Equal(t, "c4", got.EntityID)
	assert.True(t, got.CreatedAt.Equal(at))
	assert.JSONEq(t, `{"fields":{"first_name":"Jane"}}`, string(got.Payload))

	_, err = store.Get(ctx, "u1", last+100)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func commitChecksVersion(t *testing.T, store repository.Store) {
	ctx := context.Background()

	_, err := store.Commit(ctx, repository.Mutation{Event: Event("u1", "c1", domain.VerbCreated, 1), Entity: Entity("u1", "c1", 1)})
	require.NoError(t, err)

	_, err = store.Commit(ctx, repository.Mutation{Event: Event("u1", "c1", domain.VerbCreated, 1), Entity: Entity("u1", "c1", 1)})
	assert.ErrorIs(t, err, domain.ErrVersionConflict, "create over an existing projection")

	_, err = store.Commit(ctx, repository.Mutation{Event: Event("u1", "c1", domain.VerbUpdated, 2), Entity: Entity("u1", "c1", 2), ExpectedVersion: 1})
	require.NoError(t, err)

	_, err = store.Commit(ctx, repository.Mutation{Event: Event("u1", "c1", domain.VerbUpdated, 2), Entity: Entity("u1", "c1", 2), ExpectedVersion: 1})
	assert.ErrorIs(t, err, domain.ErrVersionConflict, "stale writer")

	events, err := store.ReadForEntity(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Len(t, events, 2, "a refused commit must not leave an event behind")

	entity, err := store.GetEntity(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, entity.Version)
	assert.Equal(t, float64(2), entity.Number("score"))
	assert.Equal(t, "Jane", entity.String("first_name"))
}

func idempotencyKeyIsUnique(t *testing.T, store repository.Store) {
	ctx := context.Background()

	first := Event("u1", "c1", domain.VerbCreated, 1)
	first.IdempotencyKey = "u1/conv/t1/create_contact"
	stored, err := store.Commit(ctx, repository.Mutation{Event: first, Entity: Entity("u1", "c1", 1)})
	require.NoError(t, err)

	again := Event("u1", "c2", domain.VerbCreated, 1)
	again.IdempotencyKey = first.IdempotencyKey
	dup, err := store.Commit(ctx, repository.Mutation{Event: again, Entity: Entity("u1", "c2", 1)})
	require.True(t, errors.Is(err, domain.ErrDuplicateCausality), "got %v", err)
	assert.Equal(t, stored.ID, dup.ID)

	_, err = store.GetEntity(ctx, "u1", "c2")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)

	found, err := store.FindByIdempotencyKey(ctx, "u1", first.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, found.ID)

	_, err = store.FindByIdempotencyKey(ctx, "u2", first.IdempotencyKey)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	other := Event("u2", "c1", domain.VerbCreated, 1)
	other.IdempotencyKey = first.IdempotencyKey
	_, err = store.Commit(ctx, repository.Mutation{Event: other, Entity: Entity("u2", "c1", 1)})
	assert.NoError(t, err, "keys are scoped per user")
}

// A retried write must see the bytes the first write returned, whatever the backend does
// to the stored document.
func duplicateReturnsStoredPayload(t *testing.T, store repository.Store) {
	ctx := context.Background()

	ev := Event("u1", "c1", domain.VerbCreated, 1)
	ev.IdempotencyKey = "u1/conv/t1/create_contact"
	ev.Payload = json.RawMessage(`{"fields": {"z": 1,"first_name":"Jane"},  "action":"create_contact"}`)
	stored, err := store.Commit(ctx, repository.Mutation{Event: ev, Entity: Entity("u1", "c1", 1)})
	require.NoError(t, err)

	dup, err := store.Commit(ctx, repository.Mutation{Event: ev, Entity: Entity("u1", "c1", 1)})
	require.ErrorIs(t, err, domain.ErrDuplicateCausality)
	assert.Equal(t, string(stored.Payload), string(dup.Payload))

	found, err := store.FindByIdempotencyKey(ctx, "u1", ev.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, string(stored.Payload), string(found.Payload))

	byID, err := store.Get(ctx, "u1", stored.ID)
	require.NoError(t, err)
	assert.Equal(t, string(stored.Payload), string(byID.Payload))
	assert.JSONEq(t, string(ev.Payload), string(stored.Payload))
}

func readsAreUserScoped(t *testing.T, store repository.Store) {
	ctx := context.Background()

	a, err := store.Commit(ctx, repository.Mutation{Event: Event("u1", "c1", domain.VerbCreated, 1), Entity: Entity("u1", "c1", 1)})
	require.NoError(t, err)
	_, err = store.Commit(ctx, repository.Mutation{Event: Event("u2", "c9", domain.VerbCreated, 1), Entity: Entity("u2", "c9", 1)})
	require.NoError(t, err)

	_, err = store.GetEntity(ctx, "u2", "c1")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
	_, err = store.Get(ctx, "u2", a.ID)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	events, err := store.ReadForEntity(ctx, "u2", "c1")
	require.NoError(t, err)
	assert.Empty(t, events)

	page, err := store.ReadSince(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c1", page[0].EntityID)
}

func readSincePages(t *testing.T, store repository.Store) {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := store.Append(ctx, Event("u1", fmt.Sprintf("c%d", i), domain.VerbRejected, 0))
		require.NoError(t, err)
		_, err = store.Append(ctx, Event("u2", "x", domain.VerbRejected, 0))
		require.NoError(t, err)
	}

	var seen []string
	for ev, err := range repository.Stream(ctx, store, "u1", 0, 3) {
		require.NoError(t, err)
		seen = append(seen, ev.EntityID)
	}
	assert.Equal(t, []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6"}, seen)

	first, err := store.ReadSince(ctx, "u1", 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	rest, err := store.ReadSince(ctx, "u1", first[1].ID, 100)
	require.NoError(t, err)
	assert.Len(t, rest, 5)
	assert.Equal(t, "c2", rest[0].EntityID)
}

func readForConversationKeepsTail(t *testing.T, store repository.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev := Event("u1", fmt.Sprintf("c%d", i), domain.VerbRejected, 0)
		ev.ConversationID = "conv-1"
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}
	other := Event("u1", "z", domain.VerbRejected, 0)
	other.ConversationID = "conv-2"
	_, err := store.Append(ctx, other)
	require.NoError(t, err)

	events, err := store.ReadForConversation(ctx, "u1", "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "c2", events[0].EntityID)
	assert.Equal(t, "c4", events[2].EntityID)
}

func listEntitiesFilters(t *testing.T, store repository.Store) {
	ctx := context.Background()

	for i, id := range []string{"c1", "c2", "c3"} {
		_, err := store.Commit(ctx, repository.Mutation{Event: Event("u1", id, domain.VerbCreated, 1), Entity: Entity("u1", id, i+1)})
		require.NoError(t, err)
	}
	deal := Entity("u1", "d1", 1)
	deal.Type = domain.EntityDeal
	dealEvent := Event("u1", "d1", domain.VerbCreated, 1)
	dealEvent.EntityType = domain.EntityDeal
	_, err := store.Commit(ctx, repository.Mutation{Event: dealEvent, Entity: deal})
	require.NoError(t, err)

	archived := Entity("u1", "c3", 3)
	archived.Archived = true
	require.NoError(t, store.RebuildProjection(ctx, archived))

	contacts, err := store.ListEntities(ctx, "u1", repository.EntityFilter{Type: domain.EntityContact})
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "c2", contacts[0].ID, "most recently updated first")

	all, err := store.ListEntities(ctx, "u1", repository.EntityFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	paged, err := store.ListEntities(ctx, "u1", repository.EntityFilter{IncludeArchived: true, Limit: 2, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func rebuildProjection(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, err := store.Commit(ctx, repository.Mutation{Event: Event("u1", "c1", domain.VerbCreated, 1), Entity: Entity("u1", "c1", 1)})
	require.NoError(t, err)

	fixed := Entity("u1", "c1", 1)
	fixed.Fields["phone"] = "555-0100"
	require.NoError(t, store.RebuildProjection(ctx, fixed))

	got, err := store.GetEntity(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "555-0100", got.String("phone"))
	assert.True(t, got.CreatedAt.Equal(at))

	assert.Error(t, store.RebuildProjection(ctx, nil))
}
