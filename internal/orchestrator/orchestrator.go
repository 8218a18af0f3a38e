// Package orchestrator dispatches domain events to their registered handlers
// and implements replay.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
	"github.com/capitalize-ai/followup-core/pkg/metrics"
)

// Handler processes one event. Handlers must be idempotent; delivery is
// at-least-once.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event *model.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, event *model.Event) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, event *model.Event) error {
	return h.Fn(ctx, event)
}

// Orchestrator maps event types to ordered handler chains. Registration
// happens at startup; the table is read-only afterwards.
type Orchestrator struct {
	log      *eventlog.Log
	handlers map[string][]Handler
	logger   *logger.Logger
	sealed   bool
}

// New creates an orchestrator over the event log.
func New(log *eventlog.Log, logger *logger.Logger) *Orchestrator {
	return &Orchestrator{
		log:      log,
		handlers: make(map[string][]Handler),
		logger:   logger.With("component", "Orchestrator"),
	}
}

// Register appends a handler to the chain for an event type. Panics after
// Seal; the registry must not change while workers run.
func (o *Orchestrator) Register(eventType string, h Handler) {
	if o.sealed {
		panic("orchestrator: register after seal")
	}
	o.handlers[eventType] = append(o.handlers[eventType], h)
}

// Seal freezes the handler table.
func (o *Orchestrator) Seal() { o.sealed = true }

// ProcessEvent loads the event and runs its handler chain. Absent or already
// terminal events are a no-op. The first handler error marks the event failed
// and stops the chain; success across all handlers (or an empty chain) marks
// it processed.
func (o *Orchestrator) ProcessEvent(ctx context.Context, eventID uuid.UUID) error {
	event, err := o.log.Get(ctx, eventID)
	if err != nil {
		if coreerr.IsKind(err, coreerr.KindNotFound) {
			o.logger.Warn("event not found, skipping", "event_id", eventID)
			return nil
		}
		return err
	}
	if event.Status.Terminal() {
		return nil
	}

	chain := o.handlers[event.Type]
	for _, h := range chain {
		if err := h.Handle(ctx, event); err != nil {
			o.logger.Error("handler failed",
				"event_id", event.ID, "type", event.Type, "handler", h.Name(), "error", err)
			metrics.EventsProcessed.WithLabelValues(event.Type, "failed").Inc()
			if merr := o.log.MarkFailed(ctx, event.ID, fmt.Sprintf("%s: %v", h.Name(), err)); merr != nil {
				return merr
			}
			return nil
		}
	}

	metrics.EventsProcessed.WithLabelValues(event.Type, "processed").Inc()
	return o.log.MarkProcessed(ctx, event.ID)
}

// Replay re-dispatches matching events as fresh copies: new id, same type,
// payload and correlation id, causation pointing at the original. Returns the
// number of events replayed.
func (o *Orchestrator) Replay(ctx context.Context, tenantID uuid.UUID, eventType string, since time.Time, limit int) (int, error) {
	events, err := o.log.ListForReplay(ctx, tenantID, eventType, since, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for i := range events {
		original := &events[i]
		causation := original.ID

		meta := eventlog.MetaOf(original)
		attempt := 1
		if prev, ok := meta["attempt"].(float64); ok {
			attempt = int(prev) + 1
		}
		meta["attempt"] = attempt
		meta["replay_of"] = original.ID.String()

		fresh, err := o.log.Append(ctx, eventlog.AppendInput{
			TenantID:      original.TenantID,
			Type:          original.Type,
			Payload:       eventlog.PayloadOf(original),
			Source:        "replay",
			CorrelationID: original.CorrelationID,
			CausationID:   &causation,
			Meta:          meta,
		})
		if err != nil {
			return replayed, err
		}
		if err := o.ProcessEvent(ctx, fresh.ID); err != nil {
			return replayed, err
		}
		replayed++
	}

	o.logger.Info("replay finished", "tenant_id", tenantID, "type", eventType, "count", replayed)
	return replayed, nil
}
