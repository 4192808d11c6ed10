package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/config"
	"github.com/fastygo/chatcrm/repository/memory"
)

type fixture struct {
	store *memory.Store
	app   *app
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	return &fixture{
		store: store,
		app:   newApp(store, nil, config.CoreConfig{ContextWindow: 20, ExecutorMaxAttempts: 3}, nil),
	}
}

func (f *fixture) open(context.Context) (*app, error) { return f.app, nil }

func (f *fixture) submit(t *testing.T, turn, kind string, params map[string]any) domain.ExecutionResult {
	t.Helper()
	res, err := f.app.uc.Submit(context.Background(), "u1", domain.CandidateAction{
		Kind: kind, Parameters: params, ConversationID: "c1", TurnID: turn,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) run(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd(f.open)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReplayAndTrail(t *testing.T) {
	f := newFixture(t)
	jane := f.submit(t, "t1", "create_contact", map[string]any{"first_name": "Jane", "phone": "555-0100"})
	f.submit(t, "t2", "update_contact", map[string]any{"phone": "555-0199"})
	id := jane.Event.EntityID

	out, err := f.run("replay", id, "--user", "u1")
	require.NoError(t, err)
	var entity domain.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &entity))
	assert.Equal(t, "555-0199", entity.String("phone"))
	assert.Equal(t, 2, entity.Version)

	out, err = f.run("trail", id, "-u", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "contact.created")
	assert.Contains(t, out, "contact.updated")

	out, err = f.run("trail", id, "-u", "u1", "--json")
	require.NoError(t, err)
	var events []domain.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	assert.Len(t, events, 2)

	_, err = f.run("replay", id, "-u", "u2")
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeNotFound))
}

func TestVerifyReportsAndRepairsDrift(t *testing.T) {
	f := newFixture(t)
	jane := f.submit(t, "t1", "create_contact", map[string]any{"first_name": "Jane"})

	out, err := f.run("verify", "-u", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "checked 1 entities, 0 drifted")

	tampered := jane.Entity.Clone()
	tampered.Fields["first_name"] = "Mallory"
	require.NoError(t, f.store.RebuildProjection(context.Background(), tampered))

	_, err = f.run("verify", jane.Event.EntityID, "-u", "u1")
	assert.Error(t, err)

	out, err = f.run("verify", "-u", "u1")
	assert.Error(t, err)
	assert.Contains(t, out, "Mallory")

	out, err = f.run("verify", "-u", "u1", "--repair")
	require.NoError(t, err)
	assert.Contains(t, out, "repaired")

	out, err = f.run("verify", jane.Event.EntityID, "-u", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "consistent at version 1")
}

func TestRollbackCommand(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "t1", "create_contact", map[string]any{"first_name": "Jane", "phone": "555-0100"})
	update := f.submit(t, "t2", "update_contact", map[string]any{"phone": "555-0199"})

	out, err := f.run("rollback", strconv.FormatInt(update.Event.ID, 10), "-u", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "compensated by event 3")

	_, err = f.run("rollback", strconv.FormatInt(update.Event.ID, 10), "-u", "u1")
	assert.ErrorIs(t, err, domain.ErrAlreadyCompensated)

	_, err = f.run("rollback", "x", "-u", "u1")
	assert.Error(t, err)
}

func TestUserFlagIsRequired(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("trail", "c1")
	assert.ErrorContains(t, err, "user")
}
