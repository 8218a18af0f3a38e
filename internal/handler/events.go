package handler

import (
	"net/http"
	"time"

	"github.com/capitalize-ai/followup-core/internal/orchestrator"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// EventHandler exposes operator-facing event-log actions.
type EventHandler struct {
	orch *orchestrator.Orchestrator
	log  *logger.Logger
}

// NewEventHandler creates the event handler.
func NewEventHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *EventHandler {
	return &EventHandler{orch: orch, log: log.With("handler", "events")}
}

type replayRequest struct {
	Type  string    `json:"type,omitempty"`
	Since time.Time `json:"since"`
	Limit int       `json:"limit,omitempty"`
}

// Replay handles POST /events/replay
func (h *EventHandler) Replay(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	var req replayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Since.IsZero() {
		writeError(w, http.StatusBadRequest, "since is required")
		return
	}

	count, err := h.orch.Replay(r.Context(), tenantID, req.Type, req.Since, req.Limit)
	if err != nil {
		h.log.Error("replay failed", "tenant_id", tenantID, "type", req.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":    "replay aborted",
			"replayed": count,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"replayed": count})
}
