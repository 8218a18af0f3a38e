package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/followup-core/internal/channel"
	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/kv"
	"github.com/capitalize-ai/followup-core/internal/llm"
	"github.com/capitalize-ai/followup-core/internal/memory"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/sequence"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/internal/vector"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

type fixture struct {
	d        *Dispatcher
	st       *store.Store
	guard    *kv.Memory
	clk      *clock.Fake
	events   *eventlog.Log
	tenantID uuid.UUID
	lead     *model.Lead
	seq      *model.FollowUpSequence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	log := logger.NewNop()
	st := store.New(db, log)
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	guard := kv.NewMemory(clk.Now)
	events := eventlog.New(st.Events, nil, clk, log)

	mem := memory.New(kv.NewMemory(clk.Now), st.Messages, st.Summaries, st.Leads,
		vector.NewMemory(8), &llm.StubEmbedder{Dimension: 8}, &llm.StubClient{},
		events, clk, memory.Params{}, log)

	registry := channel.NewRegistry(5*time.Second, channel.NewFake(model.ChannelWhatsApp))
	renderer := sequence.NewMapRenderer(map[string]string{"intro": "Hi {name}"})
	engine := sequence.New(st, registry, &llm.StubClassifier{}, mem, events, renderer, clk, sequence.Params{}, log)

	tenantID := uuid.New()
	d := New(st, registry, guard, events, engine, StaticTenants{tenantID}, clk, Params{
		QuietHoursStart: 21,
		QuietHoursEnd:   8,
		InFlightTTL:     2 * time.Minute,
		BatchLimit:      10,
	}, log)

	f := &fixture{d: d, st: st, guard: guard, clk: clk, events: events, tenantID: tenantID}

	f.lead = &model.Lead{TenantID: tenantID, Name: "Anna", Phone: "+491512345678"}
	require.NoError(t, st.Leads.Create(context.Background(), nil, f.lead))

	f.seq = &model.FollowUpSequence{
		TenantID: tenantID,
		Name:     "onboarding",
		IsActive: true,
		Steps: []model.FollowUpStep{
			{OrderIndex: 0, DayOffset: 0, Channel: model.ChannelWhatsApp, TemplateKey: "intro", Condition: model.ConditionAlways},
		},
	}
	require.NoError(t, st.Sequences.Create(context.Background(), f.seq))
	return f
}

func (f *fixture) dueState(t *testing.T) *model.SequenceState {
	t.Helper()
	now := f.clk.Now()
	state := &model.SequenceState{
		TenantID:     f.tenantID,
		LeadID:       f.lead.ID,
		SequenceID:   f.seq.ID,
		Status:       model.SequenceInProgress,
		NextActionAt: &now,
	}
	require.NoError(t, f.st.States.Create(context.Background(), state))
	return state
}

func (f *fixture) actionEvents(t *testing.T, eventType string) []model.Event {
	t.Helper()
	events, err := f.st.Events.ListForReplay(context.Background(), f.tenantID, eventType, time.Time{}, 50)
	require.NoError(t, err)
	return events
}

func TestTickEmitsActionDue(t *testing.T) {
	f := newFixture(t)
	state := f.dueState(t)
	ctx := context.Background()

	require.NoError(t, f.d.Tick(ctx, f.tenantID))

	events := f.actionEvents(t, model.EventAutopilotActionDue)
	require.Len(t, events, 1)
	assert.Equal(t, state.ID, events[0].CorrelationID)
	payload := eventlog.PayloadOf(&events[0])
	assert.Equal(t, state.ID.String(), payload["state_id"])

	// The in-flight guard is held until the worker releases it.
	acquired, err := f.guard.SetNX(ctx, inFlightKey(f.tenantID, f.lead.ID), "x", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, f.d.ReleaseInFlight(ctx, f.tenantID, f.lead.ID))
	acquired, err = f.guard.SetNX(ctx, inFlightKey(f.tenantID, f.lead.ID), "x", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestQuietHoursDeferInLeadTimezone(t *testing.T) {
	f := newFixture(t)

	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	f.lead.Timezone = "America/Chicago"
	require.NoError(t, f.st.Leads.Update(context.Background(), nil, f.lead))

	// 12:00 UTC is early morning in Chicago, inside the 21-8 window.
	local := f.clk.Now().In(loc)
	require.Less(t, local.Hour(), 8)

	state := f.dueState(t)
	require.NoError(t, f.d.Tick(context.Background(), f.tenantID))

	assert.Empty(t, f.actionEvents(t, model.EventAutopilotActionDue))

	fresh, err := f.st.States.Get(context.Background(), state.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.NextActionAt)
	wantLocal := time.Date(local.Year(), local.Month(), local.Day(), 8, 0, 0, 0, loc)
	assert.Equal(t, wantLocal.UTC(), fresh.NextActionAt.UTC())
}

func TestQuietHoursAllowDaytime(t *testing.T) {
	f := newFixture(t)
	f.dueState(t) // lead has no timezone; 12:00 UTC is outside 21-8

	require.NoError(t, f.d.Tick(context.Background(), f.tenantID))
	assert.Len(t, f.actionEvents(t, model.EventAutopilotActionDue), 1)
}

func TestInFlightGuardBlocksSecondDispatch(t *testing.T) {
	f := newFixture(t)
	f.dueState(t)
	ctx := context.Background()

	acquired, err := f.guard.SetNX(ctx, inFlightKey(f.tenantID, f.lead.ID), "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, f.d.Tick(ctx, f.tenantID))
	assert.Empty(t, f.actionEvents(t, model.EventAutopilotActionDue))
}

func TestDispatchSkipsStaleState(t *testing.T) {
	f := newFixture(t)
	state := f.dueState(t)
	ctx := context.Background()

	// Another worker finished the sequence between the scan and the dispatch.
	now := f.clk.Now()
	live, err := f.st.States.Get(ctx, state.ID)
	require.NoError(t, err)
	live.Status = model.SequenceCompleted
	live.CompletedAt = &now
	live.NextActionAt = nil
	require.NoError(t, f.st.States.Save(ctx, live))

	require.NoError(t, f.d.dispatch(ctx, state, now))
	assert.Empty(t, f.actionEvents(t, model.EventAutopilotActionDue))
}

func TestTickEmitsDueReactivations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reactivateAt := f.clk.Now().Add(-time.Hour)
	state := &model.SequenceState{
		TenantID:     f.tenantID,
		LeadID:       f.lead.ID,
		SequenceID:   f.seq.ID,
		Status:       model.SequenceGhosted,
		ReactivateAt: &reactivateAt,
	}
	require.NoError(t, f.st.States.Create(ctx, state))

	require.NoError(t, f.d.Tick(ctx, f.tenantID))

	events := f.actionEvents(t, model.EventSequenceReactivate)
	require.Len(t, events, 1)
	assert.Equal(t, state.ID.String(), eventlog.PayloadOf(&events[0])["state_id"])
}
