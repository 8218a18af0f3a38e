package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return New(db, logger.NewNop())
}

func TestStateSaveVersionConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	state := &model.SequenceState{
		TenantID:   uuid.New(),
		LeadID:     uuid.New(),
		SequenceID: uuid.New(),
		Status:     model.SequenceInProgress,
	}
	require.NoError(t, st.States.Create(ctx, state))

	copy1, err := st.States.Get(ctx, state.ID)
	require.NoError(t, err)
	copy2, err := st.States.Get(ctx, state.ID)
	require.NoError(t, err)

	copy1.Status = model.SequenceWaitingResponse
	require.NoError(t, st.States.Save(ctx, copy1))

	copy2.Status = model.SequenceStopped
	err = st.States.Save(ctx, copy2)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// The loser's in-memory version must stay untouched for the reload path.
	assert.Equal(t, copy1.Version-1, copy2.Version)

	fresh, err := st.States.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SequenceWaitingResponse, fresh.Status)
}

func TestStateRepoRequiresTenant(t *testing.T) {
	st := newTestStore(t)
	err := st.States.Create(context.Background(), &model.SequenceState{LeadID: uuid.New()})
	assert.ErrorIs(t, err, ErrTenantScope)
}

func TestAttemptRecordDeduplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	stateID := uuid.New()

	first, created, err := st.Attempts.Record(ctx, &model.StepAttempt{
		StateID:   stateID,
		StepIndex: 0,
		Action:    "send",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := st.Attempts.Record(ctx, &model.StepAttempt{
		StateID:   stateID,
		StepIndex: 0,
		Action:    "send",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, created, "duplicate key returns the stored attempt")
	assert.Equal(t, first.ID, second.ID)

	// A different step index is a fresh attempt.
	_, created, err = st.Attempts.Record(ctx, &model.StepAttempt{
		StateID:   stateID,
		StepIndex: 1,
		Action:    "send",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAttemptSetOutcome(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	attempt, _, err := st.Attempts.Record(ctx, &model.StepAttempt{
		StateID:   uuid.New(),
		StepIndex: 0,
		Action:    "send",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, st.Attempts.SetOutcome(ctx, attempt.ID, datatypes.JSON(`{"status":"sent"}`)))

	stored, _, err := st.Attempts.Record(ctx, &model.StepAttempt{
		StateID:   attempt.StateID,
		StepIndex: 0,
		Action:    "send",
	})
	require.NoError(t, err)
	var outcome map[string]string
	require.NoError(t, json.Unmarshal(stored.Outcome, &outcome))
	assert.Equal(t, "sent", outcome["status"])
}

func TestSequenceByTriggerKeyPrefersLatestVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	for _, version := range []int{1, 2} {
		require.NoError(t, st.Sequences.Create(ctx, &model.FollowUpSequence{
			TenantID:   tenantID,
			Name:       "comeback",
			TriggerKey: model.TriggerKeyReactivation,
			IsActive:   true,
			Version:    version,
			Steps: []model.FollowUpStep{
				{OrderIndex: 0, DayOffset: 0, Channel: model.ChannelSMS, TemplateKey: "comeback", Condition: model.ConditionAlways},
			},
		}))
	}

	seq, err := st.Sequences.ByTriggerKey(ctx, tenantID, model.TriggerKeyReactivation)
	require.NoError(t, err)
	assert.Equal(t, 2, seq.Version)
	require.Len(t, seq.Steps, 1)
}

func TestDueStatesSelection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(status model.SequenceStatus, at *time.Time) *model.SequenceState {
		s := &model.SequenceState{
			TenantID:     tenantID,
			LeadID:       uuid.New(),
			SequenceID:   uuid.New(),
			Status:       status,
			NextActionAt: at,
		}
		require.NoError(t, st.States.Create(ctx, s))
		return s
	}

	due := mk(model.SequenceInProgress, &past)
	mk(model.SequenceWaitingResponse, &future)
	mk(model.SequenceCompleted, &past)
	mk(model.SequenceGhosted, &past)
	mk(model.SequenceInProgress, nil)

	states, err := st.States.DueStates(ctx, tenantID, now, 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, due.ID, states[0].ID)
}
