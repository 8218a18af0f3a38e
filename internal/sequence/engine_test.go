package sequence

import (
	"context"
	"errors"
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
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/internal/vector"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

type fixture struct {
	engine     *Engine
	st         *store.Store
	fake       *channel.FakeAdapter
	clk        *clock.Fake
	classifier *llm.StubClassifier
	tenantID   uuid.UUID
	lead       *model.Lead
}

func newFixture(t *testing.T, params Params) *fixture {
	t.Helper()

	db, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	log := logger.NewNop()
	st := store.New(db, log)
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	events := eventlog.New(st.Events, nil, clk, log)

	mem := memory.New(kv.NewMemory(clk.Now), st.Messages, st.Summaries, st.Leads,
		vector.NewMemory(8), &llm.StubEmbedder{Dimension: 8}, &llm.StubClient{},
		events, clk, memory.Params{}, log)

	fake := channel.NewFake(model.ChannelWhatsApp)
	registry := channel.NewRegistry(5*time.Second, fake)
	classifier := &llm.StubClassifier{}
	renderer := NewMapRenderer(map[string]string{
		"intro":     "Hi {name}",
		"follow_up": "Ping {name}",
		"comeback":  "Long time {name}",
	})

	f := &fixture{
		engine:     New(st, registry, classifier, mem, events, renderer, clk, params, log),
		st:         st,
		fake:       fake,
		clk:        clk,
		classifier: classifier,
		tenantID:   uuid.New(),
	}

	f.lead = &model.Lead{
		TenantID:      f.tenantID,
		Name:          "Anna",
		Phone:         "+491512345678",
		ContactStatus: model.ContactStatusNeverContacted,
	}
	require.NoError(t, st.Leads.Create(context.Background(), nil, f.lead))
	return f
}

func (f *fixture) makeSequence(t *testing.T, steps ...model.FollowUpStep) *model.FollowUpSequence {
	t.Helper()
	seq := &model.FollowUpSequence{
		TenantID: f.tenantID,
		Name:     "onboarding",
		IsActive: true,
		Steps:    steps,
	}
	require.NoError(t, f.st.Sequences.Create(context.Background(), seq))
	return seq
}

func twoStepSequence(t *testing.T, f *fixture) *model.FollowUpSequence {
	return f.makeSequence(t,
		model.FollowUpStep{OrderIndex: 0, DayOffset: 0, Channel: model.ChannelWhatsApp, TemplateKey: "intro", Condition: model.ConditionAlways},
		model.FollowUpStep{OrderIndex: 1, DayOffset: 2, Channel: model.ChannelWhatsApp, TemplateKey: "follow_up", Condition: model.ConditionNoReply},
	)
}

func (f *fixture) eventsOfType(t *testing.T, eventType string) []model.Event {
	t.Helper()
	events, err := f.st.Events.ListForReplay(context.Background(), f.tenantID, eventType, time.Time{}, 50)
	require.NoError(t, err)
	return events
}

func TestEnrollIdempotent(t *testing.T) {
	f := newFixture(t, Params{})
	seq := twoStepSequence(t, f)
	ctx := context.Background()

	state, err := f.engine.Enroll(ctx, f.lead, seq)
	require.NoError(t, err)
	assert.Equal(t, model.SequenceInProgress, state.Status)
	require.NotNil(t, state.NextActionAt)
	assert.WithinDuration(t, f.clk.Now(), *state.NextActionAt, time.Second)

	again, err := f.engine.Enroll(ctx, f.lead, seq)
	require.NoError(t, err)
	assert.Equal(t, state.ID, again.ID, "re-enrollment returns the active state")

	lead, err := f.st.Leads.Get(ctx, f.tenantID, f.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContactStatusInSequence, lead.ContactStatus)
}

func TestEnrollDefault(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()

	// No default configured: silently skipped.
	state, err := f.engine.EnrollDefault(ctx, f.lead)
	require.NoError(t, err)
	assert.Nil(t, state)

	seq := &model.FollowUpSequence{
		TenantID:  f.tenantID,
		Name:      "default onboarding",
		IsActive:  true,
		IsDefault: true,
		Steps: []model.FollowUpStep{
			{OrderIndex: 0, DayOffset: 0, Channel: model.ChannelWhatsApp, TemplateKey: "intro", Condition: model.ConditionAlways},
		},
	}
	require.NoError(t, f.st.Sequences.Create(ctx, seq))

	state, err = f.engine.EnrollDefault(ctx, f.lead)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, seq.ID, state.SequenceID)
}

func TestAdvanceSendsStepAndSchedulesNext(t *testing.T) {
	f := newFixture(t, Params{})
	seq := twoStepSequence(t, f)
	ctx := context.Background()

	state, err := f.engine.Enroll(ctx, f.lead, seq)
	require.NoError(t, err)
	require.NoError(t, f.engine.Advance(ctx, state))

	sends := f.fake.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "Hi Anna", sends[0].Content)
	assert.Equal(t, "+491512345678", sends[0].Recipient)

	fresh, err := f.st.States.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SequenceWaitingResponse, fresh.Status)
	assert.Equal(t, 1, fresh.CurrentStepIndex)
	require.NotNil(t, fresh.NextActionAt)
	assert.WithinDuration(t, f.clk.Now().Add(48*time.Hour), *fresh.NextActionAt, time.Second)

	outbound, err := f.st.Messages.LastOutbound(ctx, f.tenantID, f.lead.ID)
	require.NoError(t, err)
	require.NotNil(t, outbound)
	assert.Equal(t, "Hi Anna", outbound.Content)

	lead, err := f.st.Leads.Get(ctx, f.tenantID, f.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, lead.ContactCount)
	assert.Equal(t, model.ContactStatusAwaitingReply, lead.ContactStatus)

	assert.Len(t, f.eventsOfType(t, model.EventSequenceStepExecuted), 1)
	assert.Len(t, f.eventsOfType(t, model.EventMessageSent), 1)
}

func TestAdvanceDeduplicatesStepSend(t *testing.T) {
	f := newFixture(t, Params{})
	seq := twoStepSequence(t, f)
	ctx := context.Background()

	state, err := f.engine.Enroll(ctx, f.lead, seq)
	require.NoError(t, err)
	require.NoError(t, f.engine.Advance(ctx, state))
	require.Len(t, f.fake.Sends(), 1)

	// Simulate a worker that saw the pre-send snapshot: the attempt record
	// must block the second send while the cursor still moves forward.
	stale, err := f.st.States.Get(ctx, state.ID)
	require.NoError(t, err)
	past := f.clk.Now().Add(-time.Minute)
	stale.Status = model.SequenceInProgress
	stale.CurrentStepIndex = 0
	stale.NextActionAt = &past
	require.NoError(t, f.st.States.Save(ctx, stale))

	require.NoError(t, f.engine.Advance(ctx, stale))
	assert.Len(t, f.fake.Sends(), 1, "step must be sent exactly once")

	fresh, err := f.st.States.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.CurrentStepIndex)
}

func TestAdvanceHoldsWhenConditionFails(t *testing.T) {
	f := newFixture(t, Params{})
	seq := f.makeSequence(t,
		model.FollowUpStep{OrderIndex: 0, DayOffset: 0, Channel: model.ChannelWhatsApp, TemplateKey: "follow_up", Condition: model.ConditionNoReply},
	)
	ctx := context.Background()

	// The lead already replied, so no_reply cannot pass.
	require.NoError(t, f.st.Messages.Create(ctx, nil, &model.Message{
		TenantID:    f.tenantID,
		LeadID:      f.lead.ID,
		ChannelType: model.ChannelWhatsApp,
		Direction:   model.DirectionInbound,
		Content:     "got your message",
		ContentType: model.ContentTypeText,
		CreatedAt:   f.clk.Now().Add(-time.Hour),
	}))

	state, err := f.engine.Enroll(ctx, f.lead, seq)
	require.NoError(t, err)
	start := f.clk.Now()

	require.NoError(t, f.engine.Advance(ctx, state))
	assert.Empty(t, f.fake.Sends())
	assert.Equal(t, model.SequenceWaitingResponse, state.Status)
	assert.Equal(t, 1, state.HoldCount)
	require.NotNil(t, state.NextActionAt)
	assert.WithinDuration(t, start.Add(24*time.Hour), *state.NextActionAt, time.Second)
	assert.Len(t, f.eventsOfType(t, model.EventSequenceStalled), 1)

	// Backoff doubles on the next failed check.
	f.clk.Advance(24 * time.Hour)
	require.NoError(t, f.engine.Advance(ctx, state))
	assert.Equal(t, 2, state.HoldCount)
	assert.WithinDuration(t, start.Add(24*time.Hour).Add(48*time.Hour), *state.NextActionAt, time.Second)
}

func TestAdvanceHoldsOnSendFailure(t *testing.T) {
	f := newFixture(t, Params{})
	seq := twoStepSequence(t, f)
	f.fake.SendErr = errors.New("vendor down")
	ctx := context.Background()

	state, err := f.engine.Enroll(ctx, f.lead, seq)
	require.NoError(t, err)
	require.NoError(t, f.engine.Advance(ctx, state))

	assert.Empty(t, f.fake.Sends())
	assert.Equal(t, model.SequenceWaitingResponse, state.Status)
	assert.Equal(t, 0, state.CurrentStepIndex, "failed send must not advance the cursor")
	assert.Equal(t, 1, state.HoldCount)
	assert.Len(t, f.eventsOfType(t, model.EventSendFailed), 1)
}

func TestOnInboundWakesWaitingState(t *testing.T) {
	f := newFixture(t, Params{})
	seq := twoStepSequence(t, f)
	ctx := context.Background()

	state, err := f.engine.Enroll(ctx, f.lead, seq)
	require.NoError(t, err)
	require.NoError(t, f.engine.Advance(ctx, state))

	f.classifier.Result = llm.SentimentPositive
	f.clk.Advance(time.Hour)
	require.NoError(t, f.engine.OnInbound(ctx, f.tenantID, f.lead.ID, "sounds great"))

	fresh, err := f.st.States.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SequenceInProgress, fresh.Status)
	assert.Equal(t, string(llm.SentimentPositive), fresh.LastInteractionType)
}

func TestGhostSweep(t *testing.T) {
	f := newFixture(t, Params{})
	seq := twoStepSequence(t, f)
	ctx := context.Background()
	now := f.clk.Now()
	staleAt := now.Add(-15 * 24 * time.Hour)

	ghosted := &model.SequenceState{
		TenantID:            f.tenantID,
		LeadID:              f.lead.ID,
		SequenceID:          seq.ID,
		Status:              model.SequenceWaitingResponse,
		CurrentStepIndex:    1,
		LastStepCompletedAt: &staleAt,
	}
	require.NoError(t, f.st.States.Create(ctx, ghosted))

	// A second lead replied after the last step and must be left alone.
	active := &model.Lead{TenantID: f.tenantID, Name: "Ben", Phone: "+4915200000000"}
	require.NoError(t, f.st.Leads.Create(ctx, nil, active))
	exonerated := &model.SequenceState{
		TenantID:            f.tenantID,
		LeadID:              active.ID,
		SequenceID:          seq.ID,
		Status:              model.SequenceWaitingResponse,
		CurrentStepIndex:    1,
		LastStepCompletedAt: &staleAt,
	}
	require.NoError(t, f.st.States.Create(ctx, exonerated))
	require.NoError(t, f.st.Messages.Create(ctx, nil, &model.Message{
		TenantID:    f.tenantID,
		LeadID:      active.ID,
		ChannelType: model.ChannelWhatsApp,
		Direction:   model.DirectionInbound,
		Content:     "still here",
		ContentType: model.ContentTypeText,
		CreatedAt:   now.Add(-time.Hour),
	}))

	require.NoError(t, f.engine.GhostSweep(ctx, f.tenantID, 10))

	fresh, err := f.st.States.Get(ctx, ghosted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SequenceGhosted, fresh.Status)
	require.NotNil(t, fresh.ReactivateAt)
	assert.False(t, fresh.ReactivateAt.Before(now.Add(60*24*time.Hour)))
	assert.False(t, fresh.ReactivateAt.After(now.Add(90*24*time.Hour)))

	kept, err := f.st.States.Get(ctx, exonerated.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SequenceWaitingResponse, kept.Status)

	assert.Len(t, f.eventsOfType(t, model.EventSequenceGhosted), 1)
}

func TestReactivateEnrollsComebackSequence(t *testing.T) {
	f := newFixture(t, Params{})
	seq := twoStepSequence(t, f)
	ctx := context.Background()

	comeback := &model.FollowUpSequence{
		TenantID:   f.tenantID,
		Name:       "comeback",
		TriggerKey: model.TriggerKeyReactivation,
		IsActive:   true,
		Steps: []model.FollowUpStep{
			{OrderIndex: 0, DayOffset: 0, Channel: model.ChannelWhatsApp, TemplateKey: "comeback", Condition: model.ConditionAlways},
		},
	}
	require.NoError(t, f.st.Sequences.Create(ctx, comeback))

	reactivateAt := f.clk.Now()
	state := &model.SequenceState{
		TenantID:     f.tenantID,
		LeadID:       f.lead.ID,
		SequenceID:   seq.ID,
		Status:       model.SequenceGhosted,
		ReactivateAt: &reactivateAt,
	}
	require.NoError(t, f.st.States.Create(ctx, state))

	require.NoError(t, f.engine.Reactivate(ctx, state))
	assert.Equal(t, model.SequenceStopped, state.Status)
	assert.Nil(t, state.ReactivateAt)

	enrolled, err := f.st.States.ActiveForPair(ctx, f.tenantID, f.lead.ID, comeback.ID)
	require.NoError(t, err)
	require.NotNil(t, enrolled)
	assert.Equal(t, model.SequenceInProgress, enrolled.Status)
}

func TestPauseResumeStop(t *testing.T) {
	f := newFixture(t, Params{})
	seq := twoStepSequence(t, f)
	ctx := context.Background()

	state, err := f.engine.Enroll(ctx, f.lead, seq)
	require.NoError(t, err)

	until := f.clk.Now().Add(72 * time.Hour)
	require.NoError(t, f.engine.Pause(ctx, state, until))
	assert.Equal(t, model.SequencePaused, state.Status)

	// A paused state never advances, even when the step is due.
	require.NoError(t, f.engine.Advance(ctx, state))
	assert.Empty(t, f.fake.Sends())

	require.NoError(t, f.engine.Resume(ctx, state))
	assert.Equal(t, model.SequenceInProgress, state.Status)
	assert.Nil(t, state.PausedUntil)

	require.NoError(t, f.engine.Stop(ctx, state))
	assert.Equal(t, model.SequenceStopped, state.Status)

	// Terminal states ignore every further transition.
	require.NoError(t, f.engine.Advance(ctx, state))
	require.NoError(t, f.engine.Pause(ctx, state, until))
	assert.Equal(t, model.SequenceStopped, state.Status)
	assert.Empty(t, f.fake.Sends())
}
