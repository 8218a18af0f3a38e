package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/model"
)

// EventReviewer queues identity reviews as domain events so operators can
// work them off the log.
type EventReviewer struct {
	events *eventlog.Log
}

// NewEventReviewer creates an event-log backed reviewer.
func NewEventReviewer(events *eventlog.Log) *EventReviewer {
	return &EventReviewer{events: events}
}

func (r *EventReviewer) QueueIdentityReview(ctx context.Context, tenantID uuid.UUID, channel model.ChannelType, identifier string) error {
	_, err := r.events.Append(ctx, eventlog.AppendInput{
		TenantID: tenantID,
		Type:     model.EventIdentityReviewQueued,
		Payload: map[string]any{
			"channel":    string(channel),
			"identifier": identifier,
		},
		Source: "identity-resolver",
	})
	return err
}
