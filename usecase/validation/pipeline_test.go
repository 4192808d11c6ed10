package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/schema"
	"github.com/fastygo/chatcrm/repository/memory"
)

type fixture struct {
	store    *memory.Store
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	return &fixture{store: store, pipeline: New(schema.MustDefault(), store, nil)}
}

func (f *fixture) put(t *testing.T, user, id string, typ domain.EntityType, fields map[string]any) {
	t.Helper()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.RebuildProjection(context.Background(), &domain.Entity{
		ID: id, Type: typ, UserID: user, Version: 1, Fields: fields, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) validate(t *testing.T, c domain.CandidateAction, cc domain.ConversationContext) (domain.ValidationResult, *domain.ValidatedAction) {
	t.Helper()
	res, validated, err := f.pipeline.Validate(context.Background(), "u1", c, cc)
	require.NoError(t, err)
	return res, validated
}

func candidate(kind string, params map[string]any) domain.CandidateAction {
	return domain.CandidateAction{Kind: kind, Parameters: params, ConversationID: "conv-1", TurnID: "t1"}
}

func rules(vs []domain.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Rule)
	}
	return out
}

func TestCreateContactAccepted(t *testing.T) {
	f := newFixture(t)
	res, validated := f.validate(t, candidate("create_contact", map[string]any{"first_name": " Jane ", "phone": 5550100}), domain.ConversationContext{})

	require.True(t, res.Accepted)
	assert.Equal(t, "Jane", res.Normalized["first_name"])
	assert.Equal(t, "5550100", res.Normalized["phone"])
	require.NotNil(t, validated)
	assert.Nil(t, validated.Target)
	assert.Equal(t, domain.EntityContact, validated.EntityType)
	assert.Equal(t, domain.VerbCreated, validated.Verb)
	assert.Equal(t, 0, validated.ExpectedVersion())
}

func TestUnknownKind(t *testing.T) {
	f := newFixture(t)
	res, validated := f.validate(t, candidate("delete_everything", nil), domain.ConversationContext{})

	assert.False(t, res.Accepted)
	assert.Nil(t, validated)
	assert.Equal(t, domain.ErrCodeSchemaViolation, res.ErrorKind)
	assert.Equal(t, []string{"unknown_kind"}, rules(res.Violations))
}

func TestSchemaCoercionDefaultsAndDrops(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u1", "c1", domain.EntityContact, map[string]any{"first_name": "Jane"})

	res, validated := f.validate(t, candidate("create_deal", map[string]any{
		"title":      "Roof repair",
		"contact_id": "c1",
		"value":      "$1,250.50",
		"currency":   "eur",
		"sentiment":  "excited",
	}), domain.ConversationContext{})

	require.True(t, res.Accepted, "%+v", res.Violations)
	assert.Equal(t, 1250.5, res.Normalized["value"])
	assert.Equal(t, "EUR", res.Normalized["currency"])
	assert.NotContains(t, res.Normalized, "sentiment")
	assert.Equal(t, map[string]string{"contact_id": ResolvedExplicit}, res.Resolved)
	assert.Nil(t, validated.Target, "contact_id is a reference, not the target")

	res, _ = f.validate(t, candidate("create_deal", map[string]any{"title": "Gutters", "contact_id": "c1"}), domain.ConversationContext{})
	require.True(t, res.Accepted)
	assert.Equal(t, float64(0), res.Normalized["value"])
	assert.Equal(t, "USD", res.Normalized["currency"])
}

func TestSchemaStageFailsFast(t *testing.T) {
	f := newFixture(t)
	res, _ := f.validate(t, candidate("create_deal", map[string]any{
		"contact_id": "missing",
		"value":      "a lot",
		"currency":   "BTC",
	}), domain.ConversationContext{})

	assert.Equal(t, domain.ErrCodeSchemaViolation, res.ErrorKind)
	assert.Equal(t, []string{"required", "type", "enum"}, rules(res.Violations))
	for _, v := range res.Violations {
		assert.Equal(t, domain.StageSchema, v.Stage)
	}
}

func TestEnumNormalization(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u1", "d1", domain.EntityDeal, map[string]any{"title": "Roof", "status": "active"})

	res, validated := f.validate(t, candidate("update_deal_status", map[string]any{"deal_id": "d1", "status": "Under Contract"}), domain.ConversationContext{})
	require.True(t, res.Accepted, "%+v", res.Violations)
	assert.Equal(t, "under_contract", res.Normalized["status"])
	assert.Equal(t, false, res.Normalized["override"])
	require.NotNil(t, validated.Target)
	assert.Equal(t, 1, validated.ExpectedVersion())
}

func TestOriginRestrictions(t *testing.T) {
	f := newFixture(t)

	c := candidate("import_contact", map[string]any{"first_name": "Ann", "external_id": "hubspot-9"})
	res, _ := f.validate(t, c, domain.ConversationContext{})
	assert.Equal(t, []string{"origin_not_allowed"}, rules(res.Violations))

	c.Origin = domain.OriginImport
	res, _ = f.validate(t, c, domain.ConversationContext{})
	assert.True(t, res.Accepted)

	c.Origin = "robot"
	res, _ = f.validate(t, c, domain.ConversationContext{})
	assert.Equal(t, []string{"unknown_origin"}, rules(res.Violations))
}

func TestReferenceStage(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u1", "c1", domain.EntityContact, map[string]any{"first_name": "Jane"})
	f.put(t, "u1", "d1", domain.EntityDeal, map[string]any{"title": "Roof", "status": "active"})
	f.put(t, "u2", "c-other", domain.EntityContact, map[string]any{"first_name": "Mallory"})
	archived := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.RebuildProjection(context.Background(), &domain.Entity{
		ID: "c-old", Type: domain.EntityContact, UserID: "u1", Version: 2, Archived: true,
		Fields: map[string]any{"first_name": "Old"}, CreatedAt: archived, UpdatedAt: archived,
	}))

	cases := []struct {
		name   string
		params map[string]any
		rule   string
	}{
		{"missing", map[string]any{"contact_id": "nope", "phone": "1"}, "not_found"},
		{"other tenant", map[string]any{"contact_id": "c-other", "phone": "1"}, "not_found"},
		{"wrong type", map[string]any{"contact_id": "d1", "phone": "1"}, "type_mismatch"},
		{"archived", map[string]any{"contact_id": "c-old", "phone": "1"}, "archived"},
		{"unresolved", map[string]any{"phone": "1"}, "unresolved"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, validated := f.validate(t, candidate("update_contact", tc.params), domain.ConversationContext{})
			assert.False(t, res.Accepted)
			assert.Nil(t, validated)
			assert.Equal(t, domain.ErrCodeReferenceError, res.ErrorKind)
			assert.Equal(t, []string{tc.rule}, rules(res.Violations))
		})
	}
}

func TestReferenceResolvedFromConversation(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u1", "c1", domain.EntityContact, map[string]any{"first_name": "Jane"})

	cc := domain.ConversationContext{
		ConversationID: "conv-1",
		Recent:         map[domain.EntityType][]string{domain.EntityContact: {"c1"}},
	}
	res, validated := f.validate(t, candidate("log_activity", map[string]any{"activity_type": "Call", "summary": "discussed roof"}), cc)

	require.True(t, res.Accepted, "%+v", res.Violations)
	assert.Equal(t, "c1", res.Normalized["contact_id"])
	assert.Equal(t, "call", res.Normalized["activity_type"])
	assert.Equal(t, ResolvedContext, res.Resolved["contact_id"])
	assert.Equal(t, "c1", validated.Target.ID)
	assert.NotContains(t, res.Normalized, "deal_id", "optional references are not guessed")
}

func TestBusinessRules(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u1", "c1", domain.EntityContact, map[string]any{"first_name": "Jane"})
	f.put(t, "u1", "d-new", domain.EntityDeal, map[string]any{"title": "Roof", "status": "prospecting"})
	f.put(t, "u1", "d-closed", domain.EntityDeal, map[string]any{"title": "Deck", "status": "closed"})

	cases := []struct {
		name   string
		kind   string
		origin domain.Origin
		params map[string]any
		rule   string
	}{
		{"skip to closed", "update_deal_status", "", map[string]any{"deal_id": "d-new", "status": "closed"}, "legal_transition"},
		{"terminal", "update_deal_status", "", map[string]any{"deal_id": "d-closed", "status": "active"}, "legal_transition"},
		{"unchanged", "update_deal_status", "", map[string]any{"deal_id": "d-new", "status": "prospecting"}, "status_unchanged"},
		{"ai override", "update_deal_status", domain.OriginAI, map[string]any{"deal_id": "d-new", "status": "closed", "override": true}, "override_requires_manual"},
		{"negative value", "create_deal", "", map[string]any{"title": "X", "contact_id": "c1", "value": -5}, "non_negative_value"},
		{"blank name", "update_contact", "", map[string]any{"contact_id": "c1", "first_name": ""}, "non_empty_name"},
		{"bad email", "create_contact", "", map[string]any{"first_name": "Ann", "email": "ann.example.com"}, "email_format"},
		{"blank new contact", "create_contact", "", map[string]any{"first_name": "   "}, "non_empty_name"},
		{"blank import", "import_contact", domain.OriginImport, map[string]any{"first_name": "", "external_id": "x-1"}, "non_empty_name"},
		{"blank external id", "import_contact", domain.OriginImport, map[string]any{"first_name": "Ann", "external_id": " "}, "required_text"},
		{"blank deal title", "create_deal", "", map[string]any{"title": "", "contact_id": "c1"}, "required_text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := candidate(tc.kind, tc.params)
			c.Origin = tc.origin
			res, _ := f.validate(t, c, domain.ConversationContext{})
			assert.False(t, res.Accepted)
			assert.Equal(t, domain.ErrCodeBusinessRule, res.ErrorKind)
			assert.Equal(t, []string{tc.rule}, rules(res.Violations))
		})
	}
}

func TestManualOverride(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u1", "d1", domain.EntityDeal, map[string]any{"title": "Roof", "status": "prospecting"})

	c := candidate("update_deal_status", map[string]any{"deal_id": "d1", "status": "closed", "override": "yes"})
	c.Origin = domain.OriginManual
	res, _ := f.validate(t, c, domain.ConversationContext{})
	assert.True(t, res.Accepted, "%+v", res.Violations)
}

func TestLegalTransition(t *testing.T) {
	assert.True(t, LegalTransition(domain.DealProspecting, domain.DealActive))
	assert.True(t, LegalTransition(domain.DealActive, domain.DealUnderContract))
	assert.True(t, LegalTransition(domain.DealUnderContract, domain.DealClosed))
	assert.True(t, LegalTransition(domain.DealActive, domain.DealDead))
	assert.False(t, LegalTransition(domain.DealProspecting, domain.DealClosed))
	assert.False(t, LegalTransition(domain.DealClosed, domain.DealActive))
	assert.False(t, LegalTransition(domain.DealDead, domain.DealProspecting))
}

func TestValidateNeverWrites(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u1", "d1", domain.EntityDeal, map[string]any{"title": "Roof", "status": "active"})

	_, _ = f.validate(t, candidate("update_deal_status", map[string]any{"deal_id": "d1", "status": "under_contract"}), domain.ConversationContext{})
	_, _ = f.validate(t, candidate("create_contact", map[string]any{"first_name": "Jane"}), domain.ConversationContext{})

	events, err := f.store.ReadSince(context.Background(), "u1", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, events)

	deal, err := f.store.GetEntity(context.Background(), "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DealActive, deal.Status())
}

func TestStorageFailureIsAnError(t *testing.T) {
	f := newFixture(t)
	f.store.SetFailure(assert.AnError)

	_, _, err := f.pipeline.Validate(context.Background(), "u1",
		candidate("update_contact", map[string]any{"contact_id": "c1"}), domain.ConversationContext{})
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeStorageUnavailable))
}
