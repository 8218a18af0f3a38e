package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/sequence"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// SequenceHandler exposes enrollment and state controls.
type SequenceHandler struct {
	engine    *sequence.Engine
	leads     store.LeadRepo
	sequences store.SequenceRepo
	states    store.StateRepo
	log       *logger.Logger
}

// NewSequenceHandler creates the sequence handler.
func NewSequenceHandler(engine *sequence.Engine, st *store.Store, log *logger.Logger) *SequenceHandler {
	return &SequenceHandler{
		engine:    engine,
		leads:     st.Leads,
		sequences: st.Sequences,
		states:    st.States,
		log:       log.With("handler", "sequences"),
	}
}

type enrollRequest struct {
	SequenceID uuid.UUID `json:"sequence_id"`
}

// Enroll handles POST /leads/{leadID}/enroll
func (h *SequenceHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	leadID, err := uuid.Parse(chi.URLParam(r, "leadID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead ID format")
		return
	}

	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lead, err := h.leads.Get(r.Context(), tenantID, leadID)
	if err != nil {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}

	var state *model.SequenceState
	if req.SequenceID == uuid.Nil {
		state, err = h.engine.EnrollDefault(r.Context(), lead)
	} else {
		seq, gerr := h.sequences.Get(r.Context(), tenantID, req.SequenceID)
		if gerr != nil {
			writeError(w, http.StatusNotFound, "sequence not found")
			return
		}
		state, err = h.engine.Enroll(r.Context(), lead, seq)
	}
	if err != nil {
		h.log.Error("enrollment failed", "lead_id", leadID, "error", err)
		writeError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

type pauseRequest struct {
	Until time.Time `json:"until"`
}

// Pause handles POST /sequence-states/{stateID}/pause
func (h *SequenceHandler) Pause(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil || req.Until.IsZero() {
		writeError(w, http.StatusBadRequest, "until is required")
		return
	}

	if err := h.engine.Pause(r.Context(), state, req.Until); err != nil {
		writeError(w, http.StatusInternalServerError, "pause failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Resume handles POST /sequence-states/{stateID}/resume
func (h *SequenceHandler) Resume(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	if err := h.engine.Resume(r.Context(), state); err != nil {
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Stop handles POST /sequence-states/{stateID}/stop
func (h *SequenceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	if err := h.engine.Stop(r.Context(), state); err != nil {
		writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *SequenceHandler) loadState(w http.ResponseWriter, r *http.Request) (*model.SequenceState, bool) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return nil, false
	}
	stateID, err := uuid.Parse(chi.URLParam(r, "stateID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid state ID format")
		return nil, false
	}

	state, err := h.states.Get(r.Context(), stateID)
	if err != nil {
		if coreerr.IsKind(err, coreerr.KindNotFound) {
			writeError(w, http.StatusNotFound, "state not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return nil, false
	}
	if state.TenantID != tenantID {
		writeError(w, http.StatusNotFound, "state not found")
		return nil, false
	}
	return state, true
}
