package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/memory"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/scheduler"
	"github.com/capitalize-ai/followup-core/internal/sequence"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// RegisterCoreHandlers wires the domain handler chains. Call once at startup,
// before Seal.
func RegisterCoreHandlers(
	o *Orchestrator,
	mem *memory.Manager,
	engine *sequence.Engine,
	dispatcher *scheduler.Dispatcher,
	states store.StateRepo,
	leads store.LeadRepo,
	log *logger.Logger,
) {
	o.Register(model.EventMessageReceived, HandlerFunc{
		HandlerName: "record-inbound-message",
		Fn: func(ctx context.Context, event *model.Event) error {
			return handleMessageReceived(ctx, mem, event)
		},
	})
	o.Register(model.EventMessageReceived, HandlerFunc{
		HandlerName: "advance-on-inbound",
		Fn: func(ctx context.Context, event *model.Event) error {
			payload := eventlog.PayloadOf(event)
			leadID, err := payloadUUID(payload, "lead_id")
			if err != nil {
				return err
			}
			content, _ := payload["content"].(string)
			return engine.OnInbound(ctx, event.TenantID, leadID, content)
		},
	})

	o.Register(model.EventLeadCreated, HandlerFunc{
		HandlerName: "enroll-default-sequence",
		Fn: func(ctx context.Context, event *model.Event) error {
			payload := eventlog.PayloadOf(event)
			leadID, err := payloadUUID(payload, "lead_id")
			if err != nil {
				return err
			}
			lead, err := leads.Get(ctx, event.TenantID, leadID)
			if err != nil {
				return err
			}
			_, err = engine.EnrollDefault(ctx, lead)
			return err
		},
	})

	o.Register(model.EventAutopilotActionDue, HandlerFunc{
		HandlerName: "advance-sequence",
		Fn: func(ctx context.Context, event *model.Event) error {
			payload := eventlog.PayloadOf(event)
			stateID, err := payloadUUID(payload, "state_id")
			if err != nil {
				return err
			}
			state, err := states.Get(ctx, stateID)
			if err != nil {
				return err
			}
			advErr := engine.Advance(ctx, state)
			if dispatcher != nil {
				if err := dispatcher.ReleaseInFlight(ctx, state.TenantID, state.LeadID); err != nil {
					log.Warn("failed to release in-flight guard", "lead_id", state.LeadID, "error", err)
				}
			}
			return advErr
		},
	})

	o.Register(model.EventSequenceReactivate, HandlerFunc{
		HandlerName: "reactivate-sequence",
		Fn: func(ctx context.Context, event *model.Event) error {
			payload := eventlog.PayloadOf(event)
			stateID, err := payloadUUID(payload, "state_id")
			if err != nil {
				return err
			}
			state, err := states.Get(ctx, stateID)
			if err != nil {
				return err
			}
			return engine.Reactivate(ctx, state)
		},
	})

	o.Register(model.EventCompactionDue, HandlerFunc{
		HandlerName: "compact-memory",
		Fn: func(ctx context.Context, event *model.Event) error {
			payload := eventlog.PayloadOf(event)
			leadID, err := payloadUUID(payload, "lead_id")
			if err != nil {
				return err
			}
			return mem.Compact(ctx, event.TenantID, leadID)
		},
	})

	o.Register(model.EventIdentityReviewQueued, HandlerFunc{
		HandlerName: "log-identity-review",
		Fn: func(ctx context.Context, event *model.Event) error {
			payload := eventlog.PayloadOf(event)
			log.Info("identity held for manual review",
				"tenant_id", event.TenantID,
				"channel", payload["channel"],
				"identifier", payload["identifier"])
			return nil
		},
	})
}

// handleMessageReceived persists the inbound message through all memory
// tiers. The attached origin event id makes the write idempotent enough for
// redelivery: a repeat append is detectable downstream.
func handleMessageReceived(ctx context.Context, mem *memory.Manager, event *model.Event) error {
	payload := eventlog.PayloadOf(event)

	leadID, err := payloadUUID(payload, "lead_id")
	if err != nil {
		return err
	}
	content, _ := payload["content"].(string)
	channelType, _ := payload["channel"].(string)
	contentType, _ := payload["content_type"].(string)
	if contentType == "" {
		contentType = string(model.ContentTypeText)
	}

	createdAt := event.CreatedAt
	if raw, ok := payload["received_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			createdAt = ts
		}
	}

	originID := event.ID
	return mem.AddMessage(ctx, &model.Message{
		TenantID:      event.TenantID,
		LeadID:        leadID,
		ChannelType:   model.ChannelType(channelType),
		Direction:     model.DirectionInbound,
		Content:       content,
		ContentType:   model.ContentType(contentType),
		OriginEventID: &originID,
		CreatedAt:     createdAt,
	})
}

func payloadUUID(payload map[string]any, key string) (uuid.UUID, error) {
	raw, ok := payload[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("payload missing %s", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payload %s: %w", key, err)
	}
	return id, nil
}
