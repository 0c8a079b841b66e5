package handlers

import (
	"net/http"
)

// APIHandler handles API endpoints
type APIHandler struct {
	handlers *Handlers
}

// GetTimezones returns the IANA timezone catalog grouped by region
func (h *APIHandler) GetTimezones(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=86400") // Cache for 24 hours
	h.handlers.writeJSON(w, http.StatusOK, h.handlers.services.Timezone.GetTimezones())
}

// Health reports liveness plus bus and realtime gauges.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.handlers.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"bus":        h.handlers.bus.Stats(),
		"sseClients": h.handlers.gateway.Active(),
	})
}
