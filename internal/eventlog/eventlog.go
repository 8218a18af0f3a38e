// Package eventlog implements the durable domain-event log: append-only
// facts with correlation/causation chaining, idempotent terminal status
// transitions and replay queries.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
	"github.com/capitalize-ai/followup-core/pkg/metrics"
)

// Publisher fans appended events out to dispatch workers. A nil publisher is
// valid; events then wait for an explicit replay or poll.
type Publisher interface {
	PublishEvent(ctx context.Context, event *model.Event) error
}

// AppendInput describes a new domain fact.
type AppendInput struct {
	TenantID      uuid.UUID
	Type          string
	Payload       map[string]any
	Source        string
	CorrelationID uuid.UUID // zero value: defaults to the event's own id
	CausationID   *uuid.UUID
	RequestID     *string
	Meta          map[string]any
}

// Log is the event log facade over the event repository.
type Log struct {
	events    store.EventRepo
	publisher Publisher
	clk       clock.Clock
	log       *logger.Logger
}

// New creates the event log.
func New(events store.EventRepo, publisher Publisher, clk clock.Clock, log *logger.Logger) *Log {
	return &Log{
		events:    events,
		publisher: publisher,
		clk:       clk,
		log:       log.With("component", "EventLog"),
	}
}

// Append durably inserts the event with status pending and notifies the
// publisher. The write is acknowledged before the publish; a failed publish
// is logged and left for replay.
func (l *Log) Append(ctx context.Context, in AppendInput) (*model.Event, error) {
	id := uuid.Must(uuid.NewV7())

	correlation := in.CorrelationID
	if correlation == uuid.Nil {
		correlation = id
	}

	event := &model.Event{
		ID:            id,
		TenantID:      in.TenantID,
		Type:          in.Type,
		Payload:       mustJSON(in.Payload),
		Source:        in.Source,
		Status:        model.EventStatusPending,
		CorrelationID: correlation,
		CausationID:   in.CausationID,
		RequestID:     in.RequestID,
		Meta:          mustJSON(in.Meta),
		CreatedAt:     l.clk.Now(),
	}

	if err := l.events.Insert(ctx, nil, event); err != nil {
		return nil, err
	}
	metrics.EventsAppended.WithLabelValues(in.TenantID.String(), in.Type).Inc()

	if l.publisher != nil {
		if err := l.publisher.PublishEvent(ctx, event); err != nil {
			l.log.Warn("event publish failed, awaiting replay",
				"event_id", event.ID, "type", event.Type, "error", err)
		}
	}

	return event, nil
}

// Get loads an event by id.
func (l *Log) Get(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	return l.events.Get(ctx, id)
}

// MarkProcessed sets the processed terminal status. No-op when already
// terminal.
func (l *Log) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return l.events.MarkProcessed(ctx, id, l.clk.Now())
}

// MarkFailed sets the failed terminal status with a truncated error message.
// No-op when already terminal.
func (l *Log) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return l.events.MarkFailed(ctx, id, l.clk.Now(), errMsg)
}

// ListForReplay returns matching events ascending by creation time.
func (l *Log) ListForReplay(ctx context.Context, tenantID uuid.UUID, eventType string, since time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.events.ListForReplay(ctx, tenantID, eventType, since, limit)
}

func mustJSON(m map[string]any) datatypes.JSON {
	if m == nil {
		return datatypes.JSON([]byte("{}"))
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

// PayloadOf decodes an event payload into a map.
func PayloadOf(event *model.Event) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(event.Payload, &out)
	return out
}

// MetaOf decodes event meta into a map.
func MetaOf(event *model.Event) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(event.Meta, &out)
	return out
}
