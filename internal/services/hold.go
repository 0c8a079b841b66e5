package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/models"
	"github.com/holdfast-hq/holdfast/internal/repository"
)

// HoldTTL is how long a hold blocks its slot before expiring.
const HoldTTL = 15 * time.Minute

// HoldService manages the slot hold lifecycle
type HoldService struct {
	repos *repository.Repositories
	bus   *eventbus.Bus
	now   func() time.Time
}

// NewHoldService creates a new hold service
func NewHoldService(repos *repository.Repositories, bus *eventbus.Bus) *HoldService {
	return &HoldService{
		repos: repos,
		bus:   bus,
		now:   time.Now,
	}
}

// CreateHoldInput represents input for creating a slot hold
type CreateHoldInput struct {
	MeetingTypeSlug string
	SlotStart       time.Time
	SlotEnd         time.Time
	GuestEmail      string
	GuestName       string
	IdempotencyKey  string
}

// CreateHold reserves a slot for HoldTTL. It returns the hold and whether the
// meeting type gates confirmation on a signed NDA. Retrying with the same
// idempotency key returns the original hold while it is still active.
func (s *HoldService) CreateHold(ctx context.Context, input CreateHoldInput) (*models.SlotHold, bool, error) {
	if input.IdempotencyKey == "" {
		return nil, false, E(KindValidation, "idempotency key is required", nil)
	}
	if input.GuestEmail == "" || !strings.Contains(input.GuestEmail, "@") {
		return nil, false, E(KindValidation, "a valid guest email is required", nil)
	}
	if input.SlotStart.IsZero() || input.SlotEnd.IsZero() {
		return nil, false, E(KindValidation, "slot start and end are required", nil)
	}
	if !input.SlotEnd.After(input.SlotStart) {
		return nil, false, E(KindValidation, "slot end must be after slot start", nil)
	}

	mt, err := s.repos.MeetingType.GetBySlug(ctx, input.MeetingTypeSlug)
	if err != nil {
		return nil, false, E(KindTransient, "failed to load meeting type", err)
	}
	if mt == nil || !mt.Active {
		return nil, false, E(KindNotFound, "meeting type not found", nil)
	}

	now := s.now().UTC().Truncate(time.Second)
	if !input.SlotStart.After(now) {
		return nil, false, E(KindValidation, "slot is in the past", nil)
	}
	if input.SlotEnd.Sub(input.SlotStart) != time.Duration(mt.DurationMinutes)*time.Minute {
		return nil, false, E(KindValidation, "slot does not match the meeting type duration", nil)
	}

	prior, err := s.repos.Hold.GetByIdempotencyKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, false, E(KindTransient, "failed to check idempotency key", err)
	}
	if prior != nil {
		return s.replayHold(prior, mt, now)
	}

	hold := &models.SlotHold{
		ID:             uuid.NewString(),
		MeetingTypeID:  mt.ID,
		SlotStart:      models.NewSQLiteTime(input.SlotStart.UTC()),
		SlotEnd:        models.NewSQLiteTime(input.SlotEnd.UTC()),
		GuestEmail:     input.GuestEmail,
		GuestName:      input.GuestName,
		Status:         models.HoldStatusActive,
		ExpiresAt:      models.NewSQLiteTime(now.Add(HoldTTL)),
		IdempotencyKey: input.IdempotencyKey,
		CreatedAt:      models.NewSQLiteTime(now),
		UpdatedAt:      models.NewSQLiteTime(now),
	}

	expired, err := s.repos.Hold.CreateExclusive(ctx, hold)

	// Stale holds cleared along the way were committed even when the create
	// itself lost; their release events go out regardless.
	for _, h := range expired {
		s.publishSlot(ctx, eventbus.SubjectSlotReleased, h, false, "expired")
	}

	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSlotTaken):
			return nil, false, E(KindSlotUnavailable, "slot already held", err)
		case errors.Is(err, repository.ErrSlotBooked):
			return nil, false, E(KindSlotUnavailable, "slot already booked", err)
		case errors.Is(err, repository.ErrDuplicateKey):
			// Lost a same-key race; the winner's row is the answer.
			prior, rerr := s.repos.Hold.GetByIdempotencyKey(ctx, input.IdempotencyKey)
			if rerr != nil || prior == nil {
				return nil, false, E(KindTransient, "failed to load prior hold", rerr)
			}
			return s.replayHold(prior, mt, now)
		default:
			return nil, false, E(KindTransient, "failed to create hold", err)
		}
	}

	s.publishSlot(ctx, eventbus.SubjectSlotHeld, hold, mt.RequiresNDA, "")
	log.Printf("[HOLD] Created hold %s on %s [%s, %s)", hold.ID, mt.Slug,
		hold.SlotStart.UTC().Format(time.RFC3339), hold.SlotEnd.UTC().Format(time.RFC3339))

	return hold, mt.RequiresNDA, nil
}

// replayHold resolves an idempotent retry against the previously created
// hold: still-live holds are returned as-is, dead ones fail the retry.
func (s *HoldService) replayHold(prior *models.SlotHold, mt *models.MeetingType, now time.Time) (*models.SlotHold, bool, error) {
	if prior.Status == models.HoldStatusActive && !prior.Expired(now) {
		return prior, mt.RequiresNDA, nil
	}
	return nil, false, E(KindSlotUnavailable, "previous hold for this key is no longer active", nil)
}

// GetHold returns a hold by id.
func (s *HoldService) GetHold(ctx context.Context, id string) (*models.SlotHold, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, E(KindNotFound, "hold not found", nil)
	}
	hold, err := s.repos.Hold.GetByID(ctx, id)
	if err != nil {
		return nil, E(KindTransient, "failed to load hold", err)
	}
	if hold == nil {
		return nil, E(KindNotFound, "hold not found", nil)
	}
	return hold, nil
}

// ReleaseHold transitions an active hold to released and frees its slot.
// Releasing an already-released hold is a no-op.
func (s *HoldService) ReleaseHold(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return E(KindValidation, "invalid hold id", err)
	}
	hold, err := s.repos.Hold.GetByID(ctx, id)
	if err != nil {
		return E(KindTransient, "failed to load hold", err)
	}
	if hold == nil {
		return E(KindNotFound, "hold not found", nil)
	}

	changed, err := s.repos.Hold.UpdateStatusIf(ctx, id, models.HoldStatusActive, models.HoldStatusReleased)
	if err != nil {
		return E(KindTransient, "failed to release hold", err)
	}
	if changed {
		hold.Status = models.HoldStatusReleased
		s.publishSlot(ctx, eventbus.SubjectSlotReleased, hold, false, "released")
		log.Printf("[HOLD] Released hold %s", id)
		return nil
	}

	current, err := s.repos.Hold.GetByID(ctx, id)
	if err != nil {
		return E(KindTransient, "failed to load hold", err)
	}
	if current != nil && current.Status == models.HoldStatusReleased {
		return nil
	}
	return E(KindValidation, "hold is not active", nil)
}

func (s *HoldService) publishSlot(ctx context.Context, subject string, hold *models.SlotHold, ndaRequired bool, reason string) {
	publishSlotEvent(ctx, s.bus, "[HOLD]", subject, hold, ndaRequired, reason)
}

// publishSlotEvent emits a slot lifecycle event. Emission is best-effort after
// the state change committed; the log line is the trace when the bus refuses.
func publishSlotEvent(ctx context.Context, bus *eventbus.Bus, tag, subject string, hold *models.SlotHold, ndaRequired bool, reason string) {
	_, err := bus.Publish(ctx, subject, eventbus.SlotEvent{
		HoldID:        hold.ID,
		MeetingTypeID: hold.MeetingTypeID,
		SlotStart:     hold.SlotStart.UTC(),
		SlotEnd:       hold.SlotEnd.UTC(),
		GuestEmail:    hold.GuestEmail,
		GuestName:     hold.GuestName,
		NDARequired:   ndaRequired,
		Reason:        reason,
	})
	if err != nil {
		log.Printf("%s Failed to publish %s for hold %s: %v", tag, subject, hold.ID, err)
	}
}
