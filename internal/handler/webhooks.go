package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/channel"
	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/identity"
	"github.com/capitalize-ai/followup-core/internal/middleware"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// WebhookHandler ingests raw vendor webhooks: normalize, resolve identity,
// append the domain events. All heavy lifting happens downstream of the log.
type WebhookHandler struct {
	registry *channel.Registry
	resolver *identity.Resolver
	events   *eventlog.Log
	log      *logger.Logger
}

// NewWebhookHandler creates the webhook intake handler.
func NewWebhookHandler(registry *channel.Registry, resolver *identity.Resolver, events *eventlog.Log, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		resolver: resolver,
		events:   events,
		log:      log.With("handler", "webhooks"),
	}
}

// Receive handles POST /webhooks/{channel}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	channelParam := chi.URLParam(r, "channel")
	if err := middleware.ValidateChannelType(channelParam); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	channelType := model.ChannelType(channelParam)

	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	msg, err := h.registry.Normalize(channelType, raw)
	if err != nil {
		if coreerr.IsKind(err, coreerr.KindUnparseablePayload) {
			// Keep the raw payload in the log so the shape can be added later.
			h.log.Warn("unparseable webhook payload", "channel", channelType, "error", err)
			_, aerr := h.events.Append(r.Context(), eventlog.AppendInput{
				TenantID: tenantID,
				Type:     model.EventMessageReceived,
				Payload:  map[string]any{"unparseable": true, "raw": string(raw)},
				Source:   "webhook:" + channelParam,
			})
			if aerr != nil {
				writeError(w, http.StatusInternalServerError, "failed to record payload")
				return
			}
			writeError(w, http.StatusUnprocessableEntity, "unparseable payload")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lead, created, err := h.resolver.Resolve(r.Context(), tenantID, channelType, msg.SenderIdentifier)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUnknownIdentity):
			writeError(w, http.StatusForbidden, "unknown sender rejected")
		case errors.Is(err, identity.ErrManualReview):
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued_for_review"})
		default:
			h.log.Error("identity resolution failed", "channel", channelType, "error", err)
			writeError(w, http.StatusInternalServerError, "identity resolution failed")
		}
		return
	}

	correlation := uuid.Nil
	if cid := middleware.GetCorrelationID(r.Context()); cid != "" {
		if parsed, err := uuid.Parse(cid); err == nil {
			correlation = parsed
		}
	}

	var causation *uuid.UUID
	if created {
		leadEvent, err := h.events.Append(r.Context(), eventlog.AppendInput{
			TenantID:      tenantID,
			Type:          model.EventLeadCreated,
			Payload:       map[string]any{"lead_id": lead.ID.String(), "channel": string(channelType)},
			Source:        "webhook:" + channelParam,
			CorrelationID: correlation,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to append event")
			return
		}
		correlation = leadEvent.CorrelationID
		causation = &leadEvent.ID
	}

	msgEvent, err := h.events.Append(r.Context(), eventlog.AppendInput{
		TenantID: tenantID,
		Type:     model.EventMessageReceived,
		Payload: map[string]any{
			"lead_id":      lead.ID.String(),
			"channel":      string(channelType),
			"content":      msg.Content,
			"content_type": string(msg.ContentType),
			"received_at":  msg.ReceivedAt.Format(time.RFC3339),
			"metadata":     msg.Metadata,
		},
		Source:        "webhook:" + channelParam,
		CorrelationID: correlation,
		CausationID:   causation,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to append event")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"lead_id":      lead.ID,
		"lead_created": created,
		"event_id":     msgEvent.ID,
	})
}

// decodeJSON decodes a request body into v with strict field checking.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
