package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/holdfast-hq/holdfast/internal/config"
	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/realtime"
	"github.com/holdfast-hq/holdfast/internal/repository"
	"github.com/holdfast-hq/holdfast/internal/services"
)

// maxBodyBytes caps request bodies on the public surface.
const maxBodyBytes = 1 << 20

// Handlers holds all handler instances
type Handlers struct {
	cfg      *config.Config
	repos    *repository.Repositories
	services *services.Services
	gateway  *realtime.Gateway
	bus      *eventbus.Bus

	Public   *PublicHandler
	Realtime *RealtimeHandler
	Webhook  *WebhookHandler
	API      *APIHandler
}

// New creates all handlers
func New(cfg *config.Config, svc *services.Services, repos *repository.Repositories, bus *eventbus.Bus, gateway *realtime.Gateway) *Handlers {
	h := &Handlers{
		cfg:      cfg,
		repos:    repos,
		services: svc,
		gateway:  gateway,
		bus:      bus,
	}

	h.Public = &PublicHandler{handlers: h}
	h.Realtime = &RealtimeHandler{handlers: h}
	h.Webhook = &WebhookHandler{handlers: h}
	h.API = &APIHandler{handlers: h}

	return h
}

// writeJSON writes v as a JSON response with the given status.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError maps a service error to a status code and a JSON error body.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("Internal error: %v", err)
	}
	h.writeJSON(w, status, map[string]string{"error": services.MessageOf(err)})
}

// errorStatus returns the HTTP status for a service error kind. Holds map
// slot contention to 409; the confirm handler downgrades it to 400 itself.
func errorStatus(err error) int {
	switch services.KindOf(err) {
	case services.KindValidation, services.KindHoldExpired, services.KindNDARequired:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindForbidden:
		return http.StatusForbidden
	case services.KindSlotUnavailable:
		return http.StatusConflict
	case services.KindWebhookAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON parses a request body into dst, limiting its size. Unknown
// fields are tolerated; missing ones surface as service-level validation
// errors downstream.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return services.E(services.KindValidation, "request body too large", err)
		}
		return services.E(services.KindValidation, "malformed request body", err)
	}
	return nil
}
