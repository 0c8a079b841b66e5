package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/holdfast-hq/holdfast/internal/models"
	"github.com/holdfast-hq/holdfast/internal/services"
)

// PublicHandler serves the public booking surface: meeting-type metadata,
// slot grids, holds and confirmations.
type PublicHandler struct {
	handlers *Handlers
}

type hostView struct {
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

type meetingTypeView struct {
	Slug            string   `json:"slug"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	DurationMinutes int      `json:"durationMinutes"`
	Location        string   `json:"location,omitempty"`
	RequiresNDA     bool     `json:"requiresNda"`
	Host            hostView `json:"host"`
}

type holdView struct {
	HoldID      string    `json:"holdId"`
	Status      string    `json:"status"`
	SlotStart   time.Time `json:"slotStart"`
	SlotEnd     time.Time `json:"slotEnd"`
	ExpiresAt   time.Time `json:"expiresAt"`
	NDARequired bool      `json:"ndaRequired"`
}

type bookingView struct {
	ID            string    `json:"id"`
	MeetingTypeID string    `json:"meetingTypeId"`
	SlotStart     time.Time `json:"slotStart"`
	SlotEnd       time.Time `json:"slotEnd"`
	GuestEmail    string    `json:"guestEmail"`
	GuestName     string    `json:"guestName"`
	GuestTimezone string    `json:"guestTimezone"`
	GuestNotes    string    `json:"guestNotes,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// meetingTypeBySlug resolves an active meeting type or a NotFound error.
func (h *PublicHandler) meetingTypeBySlug(ctx context.Context, slug string) (*models.MeetingType, error) {
	mt, err := h.handlers.repos.MeetingType.GetBySlug(ctx, slug)
	if err != nil {
		return nil, services.E(services.KindTransient, "failed to load meeting type", err)
	}
	if mt == nil || !mt.Active {
		return nil, services.E(services.KindNotFound, "meeting type not found", nil)
	}
	return mt, nil
}

// GetMeetingType returns public metadata for a booking page.
func (h *PublicHandler) GetMeetingType(w http.ResponseWriter, r *http.Request) {
	mt, err := h.meetingTypeBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}

	owner, err := h.handlers.repos.User.GetByID(r.Context(), mt.UserID)
	if err != nil || owner == nil {
		h.handlers.writeError(w, services.E(services.KindNotFound, "host not found", err))
		return
	}

	h.handlers.writeJSON(w, http.StatusOK, meetingTypeView{
		Slug:            mt.Slug,
		Name:            mt.Name,
		Description:     mt.Description,
		DurationMinutes: mt.DurationMinutes,
		Location:        mt.Location,
		RequiresNDA:     mt.RequiresNDA,
		Host: hostView{
			Name:     owner.Name,
			Timezone: owner.Timezone,
		},
	})
}

// GetSlots returns the candidate slot grid for a date window.
func (h *PublicHandler) GetSlots(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	slots, err := h.handlers.services.Availability.GetSlots(r.Context(), services.GetSlotsInput{
		MeetingTypeSlug: r.PathValue("slug"),
		StartDate:       query.Get("startDate"),
		EndDate:         query.Get("endDate"),
		Timezone:        query.Get("timezone"),
	})
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}
	if slots == nil {
		slots = []models.Slot{}
	}

	h.handlers.writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots})
}

// CreateHold places a temporary exclusive reservation on a slot.
func (h *PublicHandler) CreateHold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SlotStart      string `json:"slotStart"`
		SlotEnd        string `json:"slotEnd"`
		Email          string `json:"email"`
		Name           string `json:"name"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		h.handlers.writeError(w, err)
		return
	}

	slotStart, err := time.Parse(time.RFC3339, body.SlotStart)
	if err != nil {
		h.handlers.writeError(w, services.E(services.KindValidation, "slotStart must be RFC 3339", err))
		return
	}
	slotEnd, err := time.Parse(time.RFC3339, body.SlotEnd)
	if err != nil {
		h.handlers.writeError(w, services.E(services.KindValidation, "slotEnd must be RFC 3339", err))
		return
	}

	hold, ndaRequired, err := h.handlers.services.Hold.CreateHold(r.Context(), services.CreateHoldInput{
		MeetingTypeSlug: r.PathValue("slug"),
		SlotStart:       slotStart,
		SlotEnd:         slotEnd,
		GuestEmail:      body.Email,
		GuestName:       body.Name,
		IdempotencyKey:  body.IdempotencyKey,
	})
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}

	h.handlers.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"holdId":      hold.ID,
		"expiresAt":   hold.ExpiresAt.UTC(),
		"ndaRequired": ndaRequired,
	})
}

// GetHold returns the current status of a hold on this booking page.
func (h *PublicHandler) GetHold(w http.ResponseWriter, r *http.Request) {
	mt, err := h.meetingTypeBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}

	hold, err := h.handlers.services.Hold.GetHold(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}
	if hold.MeetingTypeID != mt.ID {
		h.handlers.writeError(w, services.E(services.KindNotFound, "hold not found", nil))
		return
	}

	h.handlers.writeJSON(w, http.StatusOK, holdView{
		HoldID:      hold.ID,
		Status:      string(hold.Status),
		SlotStart:   hold.SlotStart.UTC(),
		SlotEnd:     hold.SlotEnd.UTC(),
		ExpiresAt:   hold.ExpiresAt.UTC(),
		NDARequired: mt.RequiresNDA,
	})
}

// ReleaseHold frees a held slot before its TTL runs out.
func (h *PublicHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	mt, err := h.meetingTypeBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}

	id := r.PathValue("id")
	hold, err := h.handlers.services.Hold.GetHold(r.Context(), id)
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}
	if hold.MeetingTypeID != mt.ID {
		h.handlers.writeError(w, services.E(services.KindNotFound, "hold not found", nil))
		return
	}

	if err := h.handlers.services.Hold.ReleaseHold(r.Context(), id); err != nil {
		h.handlers.writeError(w, err)
		return
	}

	h.handlers.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// ConfirmBooking converts a hold into a booking.
func (h *PublicHandler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	mt, err := h.meetingTypeBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}

	var body struct {
		HoldID         string `json:"holdId"`
		GuestName      string `json:"guestName"`
		GuestTimezone  string `json:"guestTimezone"`
		GuestNotes     string `json:"guestNotes"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		h.handlers.writeError(w, err)
		return
	}

	hold, err := h.handlers.services.Hold.GetHold(r.Context(), body.HoldID)
	if err != nil && services.KindOf(err) != services.KindNotFound {
		h.handlers.writeError(w, err)
		return
	}
	if hold != nil && hold.MeetingTypeID != mt.ID {
		h.handlers.writeError(w, services.E(services.KindNotFound, "hold not found", nil))
		return
	}

	booking, err := h.handlers.services.Booking.ConfirmBooking(r.Context(), services.ConfirmBookingInput{
		HoldID:         body.HoldID,
		GuestName:      body.GuestName,
		GuestTimezone:  body.GuestTimezone,
		GuestNotes:     body.GuestNotes,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		// Confirm has no 409 in its contract; contention reads as a plain
		// bad request here.
		if services.KindOf(err) == services.KindSlotUnavailable {
			h.handlers.writeJSON(w, http.StatusBadRequest, map[string]string{"error": services.MessageOf(err)})
			return
		}
		h.handlers.writeError(w, err)
		return
	}

	h.handlers.writeJSON(w, http.StatusOK, map[string]interface{}{
		"booking": bookingView{
			ID:            booking.ID,
			MeetingTypeID: booking.MeetingTypeID,
			SlotStart:     booking.SlotStart.UTC(),
			SlotEnd:       booking.SlotEnd.UTC(),
			GuestEmail:    booking.GuestEmail,
			GuestName:     booking.GuestName,
			GuestTimezone: booking.GuestTimezone,
			GuestNotes:    booking.GuestNotes,
			Status:        string(booking.Status),
			CreatedAt:     booking.CreatedAt.UTC(),
		},
	})
}
