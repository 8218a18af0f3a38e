package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/middleware"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// tenantFrom extracts the authenticated tenant, writing 401 when absent.
func tenantFrom(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(middleware.GetTenantID(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing tenant")
		return uuid.Nil, false
	}
	return tenantID, true
}
