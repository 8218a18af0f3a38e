package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

const (
	// StreamName is the name of the domain-event dispatch stream.
	StreamName = "EVENTS"

	// SubjectPrefix is the prefix for all event subjects.
	SubjectPrefix = "events"

	// consumerName is the durable consumer shared by dispatch workers.
	consumerName = "event-dispatch"
)

// envelope is the wire form on the stream: only the event id travels; the
// log row in the store is the source of truth for replay bit-exactness.
type envelope struct {
	EventID  uuid.UUID `json:"event_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Type     string    `json:"type"`
}

// EventBus publishes appended event ids and feeds dispatch workers.
// Delivery is at-least-once; the orchestrator's terminal-status check makes
// redelivery harmless.
type EventBus struct {
	client *Client
	log    *logger.Logger
}

// NewEventBus creates the event bus over an established client.
func NewEventBus(client *Client, log *logger.Logger) *EventBus {
	return &EventBus{client: client, log: log.With("component", "EventBus")}
}

// EnsureStream ensures the dispatch stream exists.
func (b *EventBus) EnsureStream(ctx context.Context) error {
	js := b.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "Domain event dispatch",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(tenantID uuid.UUID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, tenantID, eventType)
}

// PublishEvent publishes the event's dispatch envelope.
func (b *EventBus) PublishEvent(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(envelope{
		EventID:  event.ID,
		TenantID: event.TenantID,
		Type:     event.Type,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = b.client.JetStream().Publish(ctx, EventSubject(event.TenantID, event.Type), data)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Consume runs the dispatch loop until ctx is done, handing each event id to
// handle. A handler error nacks the message for redelivery.
func (b *EventBus) Consume(ctx context.Context, handle func(ctx context.Context, eventID uuid.UUID) error) error {
	js := b.client.JetStream()

	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: fmt.Sprintf("%s.>", SubjectPrefix),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    5,
		AckWait:       2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			b.log.Warn("dropping unreadable envelope", "error", err)
			_ = msg.Term()
			return
		}
		if err := handle(ctx, env.EventID); err != nil {
			b.log.Error("event dispatch failed", "event_id", env.EventID, "type", env.Type, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	<-ctx.Done()
	cons.Stop()
	return nil
}
