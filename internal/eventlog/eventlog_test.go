package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

type capturingPublisher struct {
	published []uuid.UUID
	err       error
}

func (p *capturingPublisher) PublishEvent(_ context.Context, event *model.Event) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event.ID)
	return nil
}

func newLog(t *testing.T, pub Publisher) (*Log, *store.Store) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	st := store.New(db, logger.NewNop())
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	return New(st.Events, pub, clk, logger.NewNop()), st
}

func TestAppendDefaultsCorrelationToOwnID(t *testing.T) {
	log, _ := newLog(t, nil)

	event, err := log.Append(context.Background(), AppendInput{
		TenantID: uuid.New(),
		Type:     model.EventMessageReceived,
		Payload:  map[string]any{"content": "hallo"},
		Source:   "test",
	})
	require.NoError(t, err)
	assert.Equal(t, event.ID, event.CorrelationID)
	assert.Equal(t, model.EventStatusPending, event.Status)
	assert.Equal(t, "hallo", PayloadOf(event)["content"])
}

func TestAppendKeepsExplicitChaining(t *testing.T) {
	log, _ := newLog(t, nil)
	correlation := uuid.New()
	causation := uuid.New()

	event, err := log.Append(context.Background(), AppendInput{
		TenantID:      uuid.New(),
		Type:          model.EventLeadCreated,
		Source:        "test",
		CorrelationID: correlation,
		CausationID:   &causation,
	})
	require.NoError(t, err)
	assert.Equal(t, correlation, event.CorrelationID)
	require.NotNil(t, event.CausationID)
	assert.Equal(t, causation, *event.CausationID)
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	log, _ := newLog(t, nil)
	ctx := context.Background()

	event, err := log.Append(ctx, AppendInput{
		TenantID: uuid.New(),
		Type:     model.EventMessageReceived,
		Source:   "test",
	})
	require.NoError(t, err)

	require.NoError(t, log.MarkProcessed(ctx, event.ID))
	// A late failure report must not overwrite the terminal status.
	require.NoError(t, log.MarkFailed(ctx, event.ID, "too late"))

	got, err := log.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusProcessed, got.Status)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.ProcessedAt)
}

func TestAppendSurvivesPublishFailure(t *testing.T) {
	pub := &capturingPublisher{err: errors.New("broker down")}
	log, _ := newLog(t, pub)
	ctx := context.Background()

	event, err := log.Append(ctx, AppendInput{
		TenantID: uuid.New(),
		Type:     model.EventMessageReceived,
		Source:   "test",
	})
	require.NoError(t, err, "the durable write wins; publish failures wait for replay")

	got, err := log.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusPending, got.Status)
}

func TestAppendNotifiesPublisher(t *testing.T) {
	pub := &capturingPublisher{}
	log, _ := newLog(t, pub)

	event, err := log.Append(context.Background(), AppendInput{
		TenantID: uuid.New(),
		Type:     model.EventMessageReceived,
		Source:   "test",
	})
	require.NoError(t, err)
	require.Len(t, pub.published, 1)
	assert.Equal(t, event.ID, pub.published[0])
}

func TestListForReplayFilters(t *testing.T) {
	log, _ := newLog(t, nil)
	ctx := context.Background()
	tenantID := uuid.New()

	for _, typ := range []string{model.EventLeadCreated, model.EventMessageReceived, model.EventMessageReceived} {
		_, err := log.Append(ctx, AppendInput{TenantID: tenantID, Type: typ, Source: "test"})
		require.NoError(t, err)
	}
	_, err := log.Append(ctx, AppendInput{TenantID: uuid.New(), Type: model.EventMessageReceived, Source: "test"})
	require.NoError(t, err)

	events, err := log.ListForReplay(ctx, tenantID, model.EventMessageReceived, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2, "filters by tenant and type")

	all, err := log.ListForReplay(ctx, tenantID, "", time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
