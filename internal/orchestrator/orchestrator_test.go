package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

func newOrchestrator(t *testing.T) (*Orchestrator, *eventlog.Log, *store.Store) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	st := store.New(db, logger.NewNop())
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	events := eventlog.New(st.Events, nil, clk, logger.NewNop())
	return New(events, logger.NewNop()), events, st
}

func recorder(name string, calls *[]string, err error) HandlerFunc {
	return HandlerFunc{
		HandlerName: name,
		Fn: func(context.Context, *model.Event) error {
			*calls = append(*calls, name)
			return err
		},
	}
}

func TestProcessEventRunsChainInOrder(t *testing.T) {
	orch, events, _ := newOrchestrator(t)
	var calls []string
	orch.Register("lead.scored", recorder("first", &calls, nil))
	orch.Register("lead.scored", recorder("second", &calls, nil))
	orch.Seal()
	ctx := context.Background()

	event, err := events.Append(ctx, eventlog.AppendInput{
		TenantID: uuid.New(),
		Type:     "lead.scored",
		Source:   "test",
	})
	require.NoError(t, err)

	require.NoError(t, orch.ProcessEvent(ctx, event.ID))
	assert.Equal(t, []string{"first", "second"}, calls)

	got, err := events.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusProcessed, got.Status)
}

func TestProcessEventSkipsTerminal(t *testing.T) {
	orch, events, _ := newOrchestrator(t)
	var calls []string
	orch.Register("lead.scored", recorder("first", &calls, nil))
	orch.Seal()
	ctx := context.Background()

	event, err := events.Append(ctx, eventlog.AppendInput{
		TenantID: uuid.New(),
		Type:     "lead.scored",
		Source:   "test",
	})
	require.NoError(t, err)

	require.NoError(t, orch.ProcessEvent(ctx, event.ID))
	// Redelivery of a processed event is a no-op.
	require.NoError(t, orch.ProcessEvent(ctx, event.ID))
	assert.Len(t, calls, 1)
}

func TestProcessEventMissingIsNoop(t *testing.T) {
	orch, _, _ := newOrchestrator(t)
	orch.Seal()
	assert.NoError(t, orch.ProcessEvent(context.Background(), uuid.New()))
}

func TestHandlerErrorStopsChainAndMarksFailed(t *testing.T) {
	orch, events, _ := newOrchestrator(t)
	var calls []string
	orch.Register("lead.scored", recorder("boom", &calls, errors.New("db unavailable")))
	orch.Register("lead.scored", recorder("never", &calls, nil))
	orch.Seal()
	ctx := context.Background()

	event, err := events.Append(ctx, eventlog.AppendInput{
		TenantID: uuid.New(),
		Type:     "lead.scored",
		Source:   "test",
	})
	require.NoError(t, err)

	require.NoError(t, orch.ProcessEvent(ctx, event.ID), "handler failures stay out of the consumer loop")
	assert.Equal(t, []string{"boom"}, calls)

	got, err := events.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "boom")
}

func TestReplayReprocessesWithChaining(t *testing.T) {
	orch, events, _ := newOrchestrator(t)
	var calls []string
	orch.Register("lead.scored", recorder("first", &calls, nil))
	orch.Seal()
	ctx := context.Background()
	tenantID := uuid.New()

	original, err := events.Append(ctx, eventlog.AppendInput{
		TenantID: tenantID,
		Type:     "lead.scored",
		Payload:  map[string]any{"score": float64(80)},
		Source:   "test",
	})
	require.NoError(t, err)
	require.NoError(t, orch.ProcessEvent(ctx, original.ID))

	count, err := orch.Replay(ctx, tenantID, "lead.scored", time.Time{}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, calls, 2, "handlers re-run on the replayed copy")

	all, err := events.ListForReplay(ctx, tenantID, "lead.scored", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)

	var fresh *model.Event
	for i := range all {
		if all[i].Source == "replay" {
			fresh = &all[i]
		}
	}
	require.NotNil(t, fresh)
	assert.Equal(t, original.CorrelationID, fresh.CorrelationID)
	require.NotNil(t, fresh.CausationID)
	assert.Equal(t, original.ID, *fresh.CausationID)
	assert.Equal(t, model.EventStatusProcessed, fresh.Status)

	meta := eventlog.MetaOf(fresh)
	assert.Equal(t, original.ID.String(), meta["replay_of"])
	assert.Equal(t, float64(1), meta["attempt"])

	payload := eventlog.PayloadOf(fresh)
	assert.Equal(t, float64(80), payload["score"])
}

func TestRegisterAfterSealPanics(t *testing.T) {
	orch, _, _ := newOrchestrator(t)
	orch.Seal()
	assert.Panics(t, func() {
		orch.Register("lead.scored", HandlerFunc{HandlerName: "late", Fn: func(context.Context, *model.Event) error { return nil }})
	})
}
