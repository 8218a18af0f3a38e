package orchestrator

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

type coreFixture struct {
	orch     *Orchestrator
	events   *eventlog.Log
	st       *store.Store
	clk      *clock.Fake
	fake     *channel.FakeAdapter
	tenantID uuid.UUID
	lead     *model.Lead
}

func newCoreFixture(t *testing.T) *coreFixture {
	t.Helper()

	db, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	log := logger.NewNop()
	st := store.New(db, log)
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	events := eventlog.New(st.Events, nil, clk, log)

	mem := memory.New(kv.NewMemory(clk.Now), st.Messages, st.Summaries, st.Leads,
		vector.NewMemory(8), &llm.StubEmbedder{Dimension: 8}, &llm.StubClient{}, events, clk, memory.Params{}, log)

	fake := channel.NewFake(model.ChannelWhatsApp)
	registry := channel.NewRegistry(5*time.Second, fake)
	renderer := sequence.NewMapRenderer(map[string]string{"intro": "Hi {name}"})
	engine := sequence.New(st, registry, &llm.StubClassifier{}, mem, events, renderer, clk, sequence.Params{}, log)

	orch := New(events, log)
	RegisterCoreHandlers(orch, mem, engine, nil, st.States, st.Leads, log)
	orch.Seal()

	f := &coreFixture{
		orch:     orch,
		events:   events,
		st:       st,
		clk:      clk,
		fake:     fake,
		tenantID: uuid.New(),
	}
	f.lead = &model.Lead{TenantID: f.tenantID, Name: "Anna", Phone: "+491512345678"}
	require.NoError(t, st.Leads.Create(context.Background(), nil, f.lead))
	return f
}

func TestMessageReceivedPersistsInbound(t *testing.T) {
	f := newCoreFixture(t)
	ctx := context.Background()

	event, err := f.events.Append(ctx, eventlog.AppendInput{
		TenantID: f.tenantID,
		Type:     model.EventMessageReceived,
		Payload: map[string]any{
			"lead_id":     f.lead.ID.String(),
			"channel":     "whatsapp",
			"content":     "hallo zusammen",
			"received_at": f.clk.Now().Add(-time.Minute).Format(time.RFC3339),
		},
		Source: "webhook:whatsapp",
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.ProcessEvent(ctx, event.ID))

	msgs, err := f.st.Messages.LastN(ctx, f.tenantID, f.lead.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hallo zusammen", msgs[0].Content)
	assert.Equal(t, model.DirectionInbound, msgs[0].Direction)
	require.NotNil(t, msgs[0].OriginEventID)
	assert.Equal(t, event.ID, *msgs[0].OriginEventID)

	got, err := f.events.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusProcessed, got.Status)
}

func TestLeadCreatedEnrollsDefaultSequence(t *testing.T) {
	f := newCoreFixture(t)
	ctx := context.Background()

	seq := &model.FollowUpSequence{
		TenantID:  f.tenantID,
		Name:      "default onboarding",
		IsActive:  true,
		IsDefault: true,
		Steps: []model.FollowUpStep{
			{OrderIndex: 0, DayOffset: 1, Channel: model.ChannelWhatsApp, TemplateKey: "intro", Condition: model.ConditionAlways},
		},
	}
	require.NoError(t, f.st.Sequences.Create(ctx, seq))

	event, err := f.events.Append(ctx, eventlog.AppendInput{
		TenantID: f.tenantID,
		Type:     model.EventLeadCreated,
		Payload:  map[string]any{"lead_id": f.lead.ID.String(), "channel": "whatsapp"},
		Source:   "webhook:whatsapp",
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.ProcessEvent(ctx, event.ID))

	state, err := f.st.States.ActiveForPair(ctx, f.tenantID, f.lead.ID, seq.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.NextActionAt)
	assert.WithinDuration(t, f.clk.Now().Add(24*time.Hour), *state.NextActionAt, time.Second)
}

func TestActionDueAdvancesSequence(t *testing.T) {
	f := newCoreFixture(t)
	ctx := context.Background()

	seq := &model.FollowUpSequence{
		TenantID: f.tenantID,
		Name:     "onboarding",
		IsActive: true,
		Steps: []model.FollowUpStep{
			{OrderIndex: 0, DayOffset: 0, Channel: model.ChannelWhatsApp, TemplateKey: "intro", Condition: model.ConditionAlways},
		},
	}
	require.NoError(t, f.st.Sequences.Create(ctx, seq))

	now := f.clk.Now()
	state := &model.SequenceState{
		TenantID:     f.tenantID,
		LeadID:       f.lead.ID,
		SequenceID:   seq.ID,
		Status:       model.SequenceInProgress,
		NextActionAt: &now,
	}
	require.NoError(t, f.st.States.Create(ctx, state))

	event, err := f.events.Append(ctx, eventlog.AppendInput{
		TenantID:      f.tenantID,
		Type:          model.EventAutopilotActionDue,
		Payload:       map[string]any{"state_id": state.ID.String(), "lead_id": f.lead.ID.String()},
		Source:        "scheduler",
		CorrelationID: state.ID,
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.ProcessEvent(ctx, event.ID))

	sends := f.fake.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "Hi Anna", sends[0].Content)

	fresh, err := f.st.States.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SequenceCompleted, fresh.Status)
}
