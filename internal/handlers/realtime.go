package handlers

import (
	"net/http"

	"github.com/holdfast-hq/holdfast/internal/services"
)

// RealtimeHandler attaches SSE clients to the slot event stream.
type RealtimeHandler struct {
	handlers *Handlers
}

// StreamSlots upgrades the request to a server-sent event stream scoped to
// one meeting type. The connection stays open until the client goes away.
func (h *RealtimeHandler) StreamSlots(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("meetingTypeId")

	mt, err := h.handlers.repos.MeetingType.GetByID(r.Context(), id)
	if err != nil {
		h.handlers.writeError(w, services.E(services.KindTransient, "failed to load meeting type", err))
		return
	}
	if mt == nil || !mt.Active {
		h.handlers.writeError(w, services.E(services.KindNotFound, "meeting type not found", nil))
		return
	}

	h.handlers.gateway.ServeSlots(w, r, mt.ID)
}
