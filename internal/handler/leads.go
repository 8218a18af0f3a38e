package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/memory"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// LeadHandler serves lead reads, smart context and the GDPR wipe.
type LeadHandler struct {
	leads  store.LeadRepo
	memory *memory.Manager
	log    *logger.Logger
}

// NewLeadHandler creates the lead handler.
func NewLeadHandler(leads store.LeadRepo, mem *memory.Manager, log *logger.Logger) *LeadHandler {
	return &LeadHandler{leads: leads, memory: mem, log: log.With("handler", "leads")}
}

func (h *LeadHandler) tenantAndLead(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	leadID, err := uuid.Parse(chi.URLParam(r, "leadID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead ID format")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, leadID, true
}

// Get handles GET /leads/{leadID}
func (h *LeadHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, leadID, ok := h.tenantAndLead(w, r)
	if !ok {
		return
	}

	lead, err := h.leads.Get(r.Context(), tenantID, leadID)
	if err != nil {
		if coreerr.IsKind(err, coreerr.KindNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load lead")
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// Context handles GET /leads/{leadID}/context?query=...
func (h *LeadHandler) Context(w http.ResponseWriter, r *http.Request) {
	tenantID, leadID, ok := h.tenantAndLead(w, r)
	if !ok {
		return
	}

	context, err := h.memory.GetSmartContext(r.Context(), tenantID, leadID, r.URL.Query().Get("query"))
	if err != nil {
		h.log.Error("context assembly failed", "lead_id", leadID, "error", err)
		writeError(w, http.StatusInternalServerError, "context assembly failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": context})
}

// Wipe handles DELETE /leads/{leadID}
func (h *LeadHandler) Wipe(w http.ResponseWriter, r *http.Request) {
	tenantID, leadID, ok := h.tenantAndLead(w, r)
	if !ok {
		return
	}

	if err := h.memory.Wipe(r.Context(), tenantID, leadID); err != nil {
		if coreerr.IsKind(err, coreerr.KindWipeIncomplete) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":  "wipe incomplete",
				"detail": err.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "wipe failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
