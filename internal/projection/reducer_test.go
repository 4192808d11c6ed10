package projection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/chatcrm/domain"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func event(t *testing.T, id int64, verb string, version int, payload domain.EventPayload) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Event{
		ID:         id,
		UserID:     "u1",
		EntityType: domain.EntityContact,
		EntityID:   "c1",
		Kind:       domain.Kind(domain.EntityContact, verb),
		Version:    version,
		Payload:    raw,
		Origin:     domain.OriginAI,
		CreatedAt:  base.Add(time.Duration(id) * time.Minute),
	}
}

func TestFoldContactLifecycle(t *testing.T) {
	events := []domain.Event{
		event(t, 1, domain.VerbCreated, 1, domain.EventPayload{Fields: map[string]any{"first_name": "Jane", "phone": "555-0100"}}),
		event(t, 3, domain.VerbUpdated, 2, domain.EventPayload{Fields: map[string]any{"phone": "555-0199", "company": "Acme"}}),
		event(t, 4, domain.VerbRejected, 0, domain.EventPayload{ErrorKind: domain.ErrCodeBusinessRule}),
		event(t, 7, domain.VerbActivityLogged, 3, domain.EventPayload{Fields: map[string]any{"activity_type": "call", "summary": "intro"}}),
		event(t, 9, domain.VerbUpdated, 4, domain.EventPayload{Fields: map[string]any{"company": nil}}),
		event(t, 10, domain.VerbArchived, 5, domain.EventPayload{}),
	}

	got, err := Fold(events)
	require.NoError(t, err)

	want := &domain.Entity{
		ID:      "c1",
		Type:    domain.EntityContact,
		UserID:  "u1",
		Version: 5,
		Fields: map[string]any{
			"first_name":        "Jane",
			"phone":             "555-0199",
			FieldActivityCount:  float64(1),
			FieldLastActivity:   "call",
			FieldLastSummary:    "intro",
			FieldLastActivityAt: base.Add(7 * time.Minute).Format(time.RFC3339Nano),
		},
		Archived:  true,
		CreatedAt: base.Add(time.Minute),
		UpdatedAt: base.Add(10 * time.Minute),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replayed contact mismatch (-want +got):\n%s", diff)
	}
}

func TestFoldUntilAndBefore(t *testing.T) {
	events := []domain.Event{
		event(t, 1, domain.VerbCreated, 1, domain.EventPayload{Fields: map[string]any{"first_name": "Jane", "phone": "555-0100"}}),
		event(t, 2, domain.VerbUpdated, 2, domain.EventPayload{Fields: map[string]any{"phone": "555-0199"}}),
	}

	before, err := FoldBefore(events, 2)
	require.NoError(t, err)
	assert.Equal(t, "555-0100", before.String("phone"))

	until, err := FoldUntil(events, 2)
	require.NoError(t, err)
	assert.Equal(t, "555-0199", until.String("phone"))

	none, err := FoldBefore(events, 1)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestApplyRejectsInconsistentStreams(t *testing.T) {
	created := event(t, 1, domain.VerbCreated, 1, domain.EventPayload{Fields: map[string]any{"first_name": "Jane"}})

	_, err := Fold([]domain.Event{event(t, 1, domain.VerbUpdated, 1, domain.EventPayload{})})
	assert.Error(t, err, "update before create")

	_, err = Fold([]domain.Event{created, event(t, 2, domain.VerbCreated, 2, domain.EventPayload{})})
	assert.Error(t, err, "double create")

	_, err = Fold([]domain.Event{created, event(t, 2, domain.VerbUpdated, 5, domain.EventPayload{})})
	assert.Error(t, err, "version gap")

	_, err = Fold([]domain.Event{created, created})
	assert.Error(t, err, "out of order")

	_, err = Fold([]domain.Event{created, event(t, 2, "teleported", 2, domain.EventPayload{})})
	assert.Error(t, err, "unknown verb")
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	created := event(t, 1, domain.VerbCreated, 1, domain.EventPayload{Fields: map[string]any{"first_name": "Jane"}})
	state, err := Apply(nil, created)
	require.NoError(t, err)

	_, err = Apply(state, event(t, 2, domain.VerbUpdated, 2, domain.EventPayload{Fields: map[string]any{"first_name": "Janet"}}))
	require.NoError(t, err)
	assert.Equal(t, "Jane", state.String("first_name"))
	assert.Equal(t, 1, state.Version)
}

func TestStatusChange(t *testing.T) {
	created := event(t, 1, domain.VerbCreated, 1, domain.EventPayload{Fields: map[string]any{"title": "Roof", "status": "prospecting"}})
	created.EntityType = domain.EntityDeal
	changed := event(t, 2, domain.VerbStatusChanged, 2, domain.EventPayload{From: domain.DealProspecting, To: domain.DealActive})
	changed.EntityType = domain.EntityDeal

	deal, err := Fold([]domain.Event{created, changed})
	require.NoError(t, err)
	assert.Equal(t, domain.DealActive, deal.Status())
}

func TestReplayIsDeterministicAndVersionsMonotonic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("folding the same stream twice yields equal snapshots with strictly increasing versions", prop.ForAll(
		func(phones []string, archiveAt int) bool {
			events := []domain.Event{event(t, 1, domain.VerbCreated, 1, domain.EventPayload{Fields: map[string]any{"first_name": "Jane"}})}
			version := 1
			for i, phone := range phones {
				verb := domain.VerbUpdated
				payload := domain.EventPayload{Fields: map[string]any{"phone": phone}}
				if i == archiveAt {
					verb = domain.VerbArchived
					payload = domain.EventPayload{}
				}
				version++
				events = append(events, event(t, int64(i+2), verb, version, payload))
			}

			first, err1 := Fold(events)
			second, err2 := Fold(events)
			if err1 != nil || err2 != nil {
				return false
			}
			if !cmp.Equal(first, second) {
				return false
			}

			var state *domain.Entity
			last := 0
			for _, ev := range events {
				next, err := Apply(state, ev)
				if err != nil || next.Version <= last {
					return false
				}
				last = next.Version
				state = next
			}
			return state.Version == len(events)
		},
		gen.SliceOf(gen.NumString()),
		gen.IntRange(-1, 10),
	))

	properties.TestingRun(t)
}
