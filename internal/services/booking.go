package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/models"
	"github.com/holdfast-hq/holdfast/internal/repository"
)

// BookingService converts holds into confirmed bookings
type BookingService struct {
	repos *repository.Repositories
	bus   *eventbus.Bus
	now   func() time.Time
}

// NewBookingService creates a new booking service
func NewBookingService(repos *repository.Repositories, bus *eventbus.Bus) *BookingService {
	return &BookingService{
		repos: repos,
		bus:   bus,
		now:   time.Now,
	}
}

// ConfirmBookingInput represents the input for confirming a hold
type ConfirmBookingInput struct {
	HoldID         string
	GuestName      string
	GuestTimezone  string
	GuestNotes     string
	IdempotencyKey string
}

// ConfirmBooking converts an active hold into a confirmed booking. The hold
// must still be live, and meeting types that require an NDA need the latest
// document signed first. Retrying with the same idempotency key returns the
// booking created the first time.
func (s *BookingService) ConfirmBooking(ctx context.Context, input ConfirmBookingInput) (*models.Booking, error) {
	if input.IdempotencyKey == "" {
		return nil, E(KindValidation, "idempotency key is required", nil)
	}
	if _, err := uuid.Parse(input.HoldID); err != nil {
		return nil, E(KindValidation, "invalid hold id", err)
	}

	prior, err := s.repos.Booking.GetByIdempotencyKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, E(KindTransient, "failed to check idempotency key", err)
	}
	if prior != nil {
		return prior, nil
	}

	hold, err := s.repos.Hold.GetByID(ctx, input.HoldID)
	if err != nil {
		return nil, E(KindTransient, "failed to load hold", err)
	}
	if hold == nil {
		return nil, E(KindNotFound, "hold not found", nil)
	}

	mt, err := s.repos.MeetingType.GetByID(ctx, hold.MeetingTypeID)
	if err != nil {
		return nil, E(KindTransient, "failed to load meeting type", err)
	}
	if mt == nil {
		return nil, E(KindNotFound, "meeting type not found", nil)
	}

	now := models.NewSQLiteTime(s.now())
	booking := &models.Booking{
		ID:             uuid.NewString(),
		MeetingTypeID:  hold.MeetingTypeID,
		UserID:         mt.UserID,
		HoldID:         hold.ID,
		SlotStart:      hold.SlotStart,
		SlotEnd:        hold.SlotEnd,
		GuestEmail:     hold.GuestEmail,
		GuestName:      input.GuestName,
		GuestTimezone:  input.GuestTimezone,
		GuestNotes:     input.GuestNotes,
		Status:         models.BookingStatusConfirmed,
		IdempotencyKey: input.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if booking.GuestName == "" {
		booking.GuestName = hold.GuestName
	}

	err = s.repos.Booking.ConfirmWithHold(ctx, booking, mt.RequiresNDA)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrHoldNotFound):
			return nil, E(KindNotFound, "hold not found", err)
		case errors.Is(err, repository.ErrHoldExpired):
			// The expiry transition committed before the confirm was
			// rejected, so the release event goes out now.
			hold.Status = models.HoldStatusExpired
			s.publishSlot(ctx, eventbus.SubjectSlotReleased, hold, "expired")
			return nil, E(KindHoldExpired, "hold has expired", err)
		case errors.Is(err, repository.ErrHoldDead):
			return nil, E(KindValidation, "hold is no longer active", err)
		case errors.Is(err, repository.ErrNDAPending):
			return nil, E(KindNDARequired, "NDA must be signed before confirming", err)
		case errors.Is(err, repository.ErrSlotBooked):
			return nil, E(KindSlotUnavailable, "slot already booked", err)
		case errors.Is(err, repository.ErrDuplicateKey):
			prior, rerr := s.repos.Booking.GetByIdempotencyKey(ctx, input.IdempotencyKey)
			if rerr != nil || prior == nil {
				return nil, E(KindTransient, "failed to load prior booking", rerr)
			}
			return prior, nil
		default:
			return nil, E(KindTransient, "failed to confirm booking", err)
		}
	}

	s.publishBooking(ctx, eventbus.SubjectBookingConfirmed, booking, "", "")
	log.Printf("[BOOKING] Confirmed booking %s from hold %s on %s", booking.ID, hold.ID, mt.Slug)

	return booking, nil
}

// GetBooking returns a booking by id.
func (s *BookingService) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, E(KindNotFound, "booking not found", nil)
	}
	booking, err := s.repos.Booking.GetByID(ctx, id)
	if err != nil {
		return nil, E(KindTransient, "failed to load booking", err)
	}
	if booking == nil {
		return nil, E(KindNotFound, "booking not found", nil)
	}
	return booking, nil
}

// CancelBooking cancels a confirmed booking and reopens its slot. Canceling
// an already-canceled booking is a no-op.
func (s *BookingService) CancelBooking(ctx context.Context, id, canceledBy, reason string) error {
	if canceledBy != "host" && canceledBy != "guest" {
		return E(KindValidation, "canceled_by must be host or guest", nil)
	}
	booking, err := s.GetBooking(ctx, id)
	if err != nil {
		return err
	}

	changed, err := s.repos.Booking.CancelIfConfirmed(ctx, id, canceledBy, reason)
	if err != nil {
		return E(KindTransient, "failed to cancel booking", err)
	}
	if !changed {
		if booking.Status == models.BookingStatusCanceled {
			return nil
		}
		return E(KindValidation, "booking is not confirmed", nil)
	}

	booking.Status = models.BookingStatusCanceled
	booking.CanceledBy = canceledBy
	booking.CancelReason = reason
	s.publishBooking(ctx, eventbus.SubjectBookingCanceled, booking, canceledBy, reason)
	log.Printf("[BOOKING] Canceled booking %s (by %s)", id, canceledBy)

	return nil
}

func (s *BookingService) publishSlot(ctx context.Context, subject string, hold *models.SlotHold, reason string) {
	publishSlotEvent(ctx, s.bus, "[BOOKING]", subject, hold, false, reason)
}

func (s *BookingService) publishBooking(ctx context.Context, subject string, b *models.Booking, canceledBy, reason string) {
	_, err := s.bus.Publish(ctx, subject, eventbus.BookingEvent{
		BookingID:     b.ID,
		HoldID:        b.HoldID,
		MeetingTypeID: b.MeetingTypeID,
		HostID:        b.UserID,
		SlotStart:     b.SlotStart.UTC(),
		SlotEnd:       b.SlotEnd.UTC(),
		GuestEmail:    b.GuestEmail,
		GuestName:     b.GuestName,
		GuestTimezone: b.GuestTimezone,
		CanceledBy:    canceledBy,
		Reason:        reason,
	})
	if err != nil {
		log.Printf("[BOOKING] Failed to publish %s for booking %s: %v", subject, b.ID, err)
	}
}
