package crm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/projection"
	"github.com/fastygo/chatcrm/internal/schema"
	"github.com/fastygo/chatcrm/repository"
	"github.com/fastygo/chatcrm/repository/memory"
	"github.com/fastygo/chatcrm/usecase/audit"
	"github.com/fastygo/chatcrm/usecase/conversation"
	"github.com/fastygo/chatcrm/usecase/execution"
	"github.com/fastygo/chatcrm/usecase/validation"
)

func newUseCase() (*UseCase, *memory.Store) {
	store := memory.New()
	registry := schema.MustDefault()
	contexts := conversation.New(store, registry, 0)
	clock := func() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC) }
	executor := execution.New(store, validation.New(registry, store, nil), contexts, nil, nil, nil, execution.Config{Clock: clock})
	auditor := audit.New(store, nil, nil, nil, audit.Config{Clock: clock})
	return New(store, registry, executor, auditor, contexts, nil), store
}

func candidate(turn, kind string, params map[string]any) domain.CandidateAction {
	return domain.CandidateAction{Kind: kind, Parameters: params, ConversationID: "conv-1", TurnID: turn}
}

func TestConversationScenario(t *testing.T) {
	uc, _ := newUseCase()
	ctx := context.Background()

	jane, err := uc.Submit(ctx, "u1", candidate("t1", "create_contact", map[string]any{"first_name": "Jane", "phone": "555-0100"}))
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, jane.Status)
	assert.Equal(t, 1, jane.Entity.Version)

	// "open a deal for her" relies on the conversation context
	deal, err := uc.Submit(ctx, "u1", candidate("t2", "create_deal", map[string]any{"title": "Lake house", "value": "450000"}))
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, deal.Status)
	assert.Equal(t, jane.Event.EntityID, deal.Entity.String("contact_id"))

	skipped, err := uc.Submit(ctx, "u1", candidate("t3", "update_deal_status", map[string]any{"status": "closed"}))
	require.NoError(t, err)
	assert.Equal(t, domain.ErrCodeBusinessRule, skipped.ErrorKind)

	phone, err := uc.Submit(ctx, "u1", candidate("t4", "update_contact", map[string]any{"phone": "555-0199"}))
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, phone.Status)

	comp, err := uc.RequestRollback(ctx, "u1", phone.Event.ID, domain.OriginManual)
	require.NoError(t, err)
	assert.Equal(t, "555-0100", comp.Entity.String("phone"))

	trail, err := uc.GetAuditTrail(ctx, "u1", jane.Event.EntityID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(trail))
	for _, ev := range trail {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"contact.created", "contact.updated", "contact.updated"}, kinds)

	entity, err := uc.Entity(ctx, "u1", jane.Event.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "555-0100", entity.String("phone"))

	report, err := uc.VerifyEntity(ctx, "u1", jane.Event.EntityID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)

	cc, err := uc.Context(ctx, "u1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{jane.Event.EntityID}, cc.Recent[domain.EntityContact])
	assert.Equal(t, []string{deal.Event.EntityID}, cc.Recent[domain.EntityDeal])
}

func TestEventsPaging(t *testing.T) {
	uc, _ := newUseCase()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := uc.Submit(ctx, "u1", candidate(fmt.Sprint(i), "create_contact", map[string]any{"first_name": fmt.Sprint("c", i)}))
		require.NoError(t, err)
	}

	page, err := uc.Events(ctx, "u1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, page.Events[1].ID, page.NextCursor)

	rest, err := uc.Events(ctx, "u1", page.NextCursor, 10)
	require.NoError(t, err)
	assert.Len(t, rest.Events, 3)

	end, err := uc.Events(ctx, "u1", rest.NextCursor, 10)
	require.NoError(t, err)
	assert.Empty(t, end.Events)
	assert.Equal(t, rest.NextCursor, end.NextCursor)

	entities, err := uc.Entities(ctx, "u1", repository.EntityFilter{Type: domain.EntityContact})
	require.NoError(t, err)
	assert.Len(t, entities, 5)
}

func TestMissingUserIsRefused(t *testing.T) {
	uc, _ := newUseCase()
	ctx := context.Background()

	_, err := uc.Submit(ctx, "", candidate("t1", "create_contact", map[string]any{"first_name": "Jane"}))
	assert.ErrorIs(t, err, domain.ErrMissingUserID)
	_, err = uc.GetAuditTrail(ctx, "", "x")
	assert.ErrorIs(t, err, domain.ErrMissingUserID)
	_, err = uc.Events(ctx, "", 0, 0)
	assert.ErrorIs(t, err, domain.ErrMissingUserID)
	_, err = uc.Context(ctx, "", "conv-1")
	assert.ErrorIs(t, err, domain.ErrMissingUserID)
}

func TestCatalogueFollowsRegistry(t *testing.T) {
	uc, _ := newUseCase()
	catalogue := uc.Catalogue()
	require.NotEmpty(t, catalogue)
	kinds := schema.MustDefault().Kinds()
	require.Len(t, catalogue, len(kinds))
	for i, spec := range catalogue {
		assert.Equal(t, kinds[i], spec.Kind)
	}
	assert.Equal(t, "create_contact", catalogue[0].Kind)
	assert.Equal(t, "archive_deal", catalogue[len(catalogue)-1].Kind)
}

// step is one generated conversation turn.
type step struct {
	Op    int
	Value int
}

func genSteps() gopter.Gen {
	return gen.SliceOfN(30, gopter.CombineGens(gen.IntRange(0, 6), gen.IntRange(-5, 500)).Map(func(v []any) step {
		return step{Op: v[0].(int), Value: v[1].(int)}
	}))
}

var statuses = []string{"prospecting", "active", "under_contract", "closed", "dead"}

// run plays steps against a fresh core and returns it with the number of submissions and
// rollbacks that reported success or a structured refusal.
func run(steps []step) (*UseCase, *memory.Store, int, error) {
	uc, store := newUseCase()
	ctx := context.Background()
	submitted := 0
	for i, s := range steps {
		turn := fmt.Sprintf("t%d", i)
		var c domain.CandidateAction
		switch s.Op {
		case 0:
			c = candidate(turn, "create_contact", map[string]any{"first_name": fmt.Sprint("n", s.Value)})
		case 1:
			c = candidate(turn, "update_contact", map[string]any{"phone": fmt.Sprint(s.Value)})
		case 2:
			c = candidate(turn, "create_deal", map[string]any{"title": "deal", "value": s.Value})
		case 3:
			c = candidate(turn, "update_deal_status", map[string]any{"status": statuses[(s.Value%5+5)%5]})
		case 4:
			c = candidate(turn, "log_activity", map[string]any{"activity_type": "note", "summary": fmt.Sprint(s.Value)})
		case 5:
			c = candidate(turn, "archive_contact", nil)
		case 6:
			if s.Value <= 0 {
				continue
			}
			_, err := uc.RequestRollback(ctx, "u1", int64(s.Value%(i+1)+1), domain.OriginManual)
			if err != nil && !domain.IsDomainError(err, domain.ErrCodeNotReversible) &&
				!domain.IsDomainError(err, domain.ErrCodeNotFound) && !domain.IsDomainError(err, domain.ErrCodeConflict) {
				return nil, nil, 0, err
			}
			continue
		}
		if _, err := uc.Submit(ctx, "u1", c); err != nil {
			return nil, nil, 0, err
		}
		submitted++
	}
	return uc, store, submitted, nil
}

func TestCoreProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40
	properties := gopter.NewProperties(params)

	properties.Property("every submission leaves exactly one event", prop.ForAll(
		func(steps []step) bool {
			_, store, submitted, err := run(steps)
			if err != nil {
				return false
			}
			events, err := store.ReadSince(context.Background(), "u1", 0, 0)
			if err != nil {
				return false
			}
			compensations := 0
			for _, ev := range events {
				if p, err := ev.DecodePayload(); err == nil && p.Compensates > 0 {
					compensations++
				}
			}
			return len(events)-compensations == submitted
		},
		genSteps(),
	))

	properties.Property("versions grow by one per accepted event", prop.ForAll(
		func(steps []step) bool {
			_, store, _, err := run(steps)
			if err != nil {
				return false
			}
			events, err := store.ReadSince(context.Background(), "u1", 0, 0)
			if err != nil {
				return false
			}
			last := make(map[string]int)
			var prevID int64
			for _, ev := range events {
				if ev.ID <= prevID {
					return false
				}
				prevID = ev.ID
				if ev.IsRejection() {
					continue
				}
				if ev.Version != last[ev.EntityID]+1 {
					return false
				}
				last[ev.EntityID] = ev.Version
			}
			return true
		},
		genSteps(),
	))

	properties.Property("replay matches every stored projection", prop.ForAll(
		func(steps []step) bool {
			uc, _, _, err := run(steps)
			if err != nil {
				return false
			}
			drifted, _, err := uc.VerifyAll(context.Background(), "u1", false)
			return err == nil && len(drifted) == 0
		},
		genSteps(),
	))

	properties.Property("replay is deterministic", prop.ForAll(
		func(steps []step) bool {
			_, store, _, err := run(steps)
			if err != nil {
				return false
			}
			entities, err := store.ListEntities(context.Background(), "u1", repository.EntityFilter{IncludeArchived: true})
			if err != nil {
				return false
			}
			for _, e := range entities {
				events, err := store.ReadForEntity(context.Background(), "u1", e.ID)
				if err != nil {
					return false
				}
				a, errA := projection.Fold(events)
				b, errB := projection.Fold(events)
				if errA != nil || errB != nil || a.Version != b.Version || a.Version != e.Version {
					return false
				}
			}
			return true
		},
		genSteps(),
	))

	properties.Property("rollback only appends", prop.ForAll(
		func(steps []step) bool {
			uc, store, _, err := run(steps)
			if err != nil {
				return false
			}
			ctx := context.Background()
			before, err := store.ReadSince(ctx, "u1", 0, 0)
			if err != nil || len(before) == 0 {
				return err == nil
			}
			_, rbErr := uc.RequestRollback(ctx, "u1", before[len(before)-1].ID, domain.OriginManual)
			after, err := store.ReadSince(ctx, "u1", 0, 0)
			if err != nil {
				return false
			}
			for i := range before {
				if before[i].ID != after[i].ID || string(before[i].Payload) != string(after[i].Payload) {
					return false
				}
			}
			if rbErr != nil {
				return len(after) == len(before)
			}
			return len(after) == len(before)+1
		},
		genSteps(),
	))

	properties.TestingRun(t)
}
