package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/models"
)

func TestCreateHold_PublishesSlotHeld(t *testing.T) {
	repos, bus := setupServiceTest(t)
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)
	capture := captureEvents(t, bus, eventbus.StreamBookings, "slot.*")

	svc := NewHoldService(repos, bus)
	start, end := futureSlot(48 * time.Hour)

	hold, ndaRequired, err := svc.CreateHold(context.Background(), CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "guest@example.com",
		GuestName:       "Ada Guest",
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}
	if ndaRequired {
		t.Error("Expected ndaRequired false")
	}
	if hold.Status != models.HoldStatusActive {
		t.Errorf("Expected status active, got %s", hold.Status)
	}
	if ttl := hold.ExpiresAt.Sub(hold.CreatedAt.Time); ttl != HoldTTL {
		t.Errorf("Expected TTL %v, got %v", HoldTTL, ttl)
	}

	envs := capture.waitFor(t, eventbus.SubjectSlotHeld, 1)
	env := envs[0]
	if env.EventID == "" {
		t.Error("Expected a generated event id")
	}
	if env.OccurredAt.IsZero() {
		t.Error("Expected occurred_at to be set")
	}
	var payload eventbus.SlotEvent
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.HoldID != hold.ID {
		t.Errorf("Expected hold_id %s, got %s", hold.ID, payload.HoldID)
	}
	if payload.MeetingTypeID != mt.ID {
		t.Errorf("Expected meeting_type_id %s, got %s", mt.ID, payload.MeetingTypeID)
	}
	if payload.GuestEmail != "guest@example.com" {
		t.Errorf("Expected guest email in payload, got %s", payload.GuestEmail)
	}
	if !payload.SlotStart.Equal(start) {
		t.Errorf("Expected slot_start %v, got %v", start, payload.SlotStart)
	}
	if payload.Reason != "" {
		t.Errorf("Expected empty reason on slot.held, got %q", payload.Reason)
	}
}

func TestCreateHold_IdempotentReplay(t *testing.T) {
	repos, bus := setupServiceTest(t)
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)
	capture := captureEvents(t, bus, eventbus.StreamBookings, "slot.*")

	svc := NewHoldService(repos, bus)
	start, end := futureSlot(48 * time.Hour)
	key := uuid.NewString()

	input := CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "guest@example.com",
		IdempotencyKey:  key,
	}
	first, _, err := svc.CreateHold(context.Background(), input)
	if err != nil {
		t.Fatalf("First CreateHold failed: %v", err)
	}
	second, _, err := svc.CreateHold(context.Background(), input)
	if err != nil {
		t.Fatalf("Replay CreateHold failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected replay to return hold %s, got %s", first.ID, second.ID)
	}

	// The replay is read-only; only the original emits an event.
	capture.waitFor(t, eventbus.SubjectSlotHeld, 1)
	capture.assertCount(t, eventbus.SubjectSlotHeld, 1)
}

func TestCreateHold_SlotContention(t *testing.T) {
	repos, bus := setupServiceTest(t)
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)
	capture := captureEvents(t, bus, eventbus.StreamBookings, "slot.*")

	svc := NewHoldService(repos, bus)
	start, end := futureSlot(48 * time.Hour)

	if _, _, err := svc.CreateHold(context.Background(), CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "first@example.com",
		IdempotencyKey:  uuid.NewString(),
	}); err != nil {
		t.Fatalf("First CreateHold failed: %v", err)
	}

	// Same slot, different guest.
	_, _, err := svc.CreateHold(context.Background(), CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "second@example.com",
		IdempotencyKey:  uuid.NewString(),
	})
	if KindOf(err) != KindSlotUnavailable {
		t.Fatalf("Expected KindSlotUnavailable, got %v", err)
	}
	if !strings.Contains(MessageOf(err), "held") {
		t.Errorf("Expected a held-slot message, got %q", MessageOf(err))
	}

	// Staggered overlap conflicts too.
	_, _, err = svc.CreateHold(context.Background(), CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start.Add(15 * time.Minute),
		SlotEnd:         end.Add(15 * time.Minute),
		GuestEmail:      "third@example.com",
		IdempotencyKey:  uuid.NewString(),
	})
	if KindOf(err) != KindSlotUnavailable {
		t.Fatalf("Expected KindSlotUnavailable for overlapping slot, got %v", err)
	}

	capture.waitFor(t, eventbus.SubjectSlotHeld, 1)
	capture.assertCount(t, eventbus.SubjectSlotHeld, 1)
}

func TestCreateHold_BookedSlotConflict(t *testing.T) {
	repos, bus := setupServiceTest(t)
	ctx := context.Background()
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)

	svc := NewHoldService(repos, bus)
	start, end := futureSlot(48 * time.Hour)

	hold, _, err := svc.CreateHold(ctx, CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "guest@example.com",
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}
	booking := &models.Booking{
		ID:             uuid.NewString(),
		UserID:         host.ID,
		HoldID:         hold.ID,
		GuestEmail:     hold.GuestEmail,
		GuestTimezone:  "UTC",
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      models.Now(),
		UpdatedAt:      models.Now(),
	}
	if err := repos.Booking.ConfirmWithHold(ctx, booking, false); err != nil {
		t.Fatalf("ConfirmWithHold failed: %v", err)
	}

	_, _, err = svc.CreateHold(ctx, CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "other@example.com",
		IdempotencyKey:  uuid.NewString(),
	})
	if KindOf(err) != KindSlotUnavailable {
		t.Fatalf("Expected KindSlotUnavailable, got %v", err)
	}
	if !strings.Contains(MessageOf(err), "booked") {
		t.Errorf("Expected a booked-slot message, got %q", MessageOf(err))
	}
}

func TestCreateHold_ReplayAfterExpiryFails(t *testing.T) {
	repos, bus := setupServiceTest(t)
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)

	svc := NewHoldService(repos, bus)
	start, end := futureSlot(48 * time.Hour)
	key := uuid.NewString()

	// Backdate the clock so the hold is born already past its TTL.
	svc.now = func() time.Time { return time.Now().UTC().Add(-(HoldTTL + time.Minute)) }
	if _, _, err := svc.CreateHold(context.Background(), CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "guest@example.com",
		IdempotencyKey:  key,
	}); err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}

	svc.now = time.Now
	_, _, err := svc.CreateHold(context.Background(), CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "guest@example.com",
		IdempotencyKey:  key,
	})
	if KindOf(err) != KindSlotUnavailable {
		t.Fatalf("Expected KindSlotUnavailable on dead-key replay, got %v", err)
	}
	if !strings.Contains(MessageOf(err), "no longer active") {
		t.Errorf("Expected dead-key message, got %q", MessageOf(err))
	}
}

func TestCreateHold_ClearsStaleOverlap(t *testing.T) {
	repos, bus := setupServiceTest(t)
	ctx := context.Background()
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)
	capture := captureEvents(t, bus, eventbus.StreamBookings, "slot.*")

	start, end := futureSlot(48 * time.Hour)

	// An active-but-expired hold still occupies the slot row-wise.
	stale := &models.SlotHold{
		ID:             uuid.NewString(),
		MeetingTypeID:  mt.ID,
		SlotStart:      models.NewSQLiteTime(start),
		SlotEnd:        models.NewSQLiteTime(end),
		GuestEmail:     "slow@example.com",
		Status:         models.HoldStatusActive,
		ExpiresAt:      models.NewSQLiteTime(time.Now().UTC().Add(-1 * time.Minute)),
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      models.Now(),
		UpdatedAt:      models.Now(),
	}
	if _, err := repos.Hold.CreateExclusive(ctx, stale); err != nil {
		t.Fatalf("Failed to seed stale hold: %v", err)
	}

	svc := NewHoldService(repos, bus)
	hold, _, err := svc.CreateHold(ctx, CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "fresh@example.com",
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("Expected stale overlap to be cleared, got %v", err)
	}

	released := capture.waitFor(t, eventbus.SubjectSlotReleased, 1)
	var payload eventbus.SlotEvent
	if err := json.Unmarshal(released[0].Data, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.HoldID != stale.ID {
		t.Errorf("Expected release for stale hold %s, got %s", stale.ID, payload.HoldID)
	}
	if payload.Reason != "expired" {
		t.Errorf("Expected reason expired, got %q", payload.Reason)
	}

	held := capture.waitFor(t, eventbus.SubjectSlotHeld, 1)
	if err := json.Unmarshal(held[0].Data, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.HoldID != hold.ID {
		t.Errorf("Expected held event for new hold %s, got %s", hold.ID, payload.HoldID)
	}

	swept, err := repos.Hold.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Failed to reload stale hold: %v", err)
	}
	if swept.Status != models.HoldStatusExpired {
		t.Errorf("Expected stale hold marked expired, got %s", swept.Status)
	}
}

func TestCreateHold_Validation(t *testing.T) {
	repos, bus := setupServiceTest(t)
	ctx := context.Background()
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)

	inactive := &models.MeetingType{
		ID:              uuid.NewString(),
		UserID:          host.ID,
		Slug:            "retired-" + uuid.NewString(),
		Name:            "Retired",
		DurationMinutes: 30,
		Active:          false,
		CreatedAt:       models.Now(),
		UpdatedAt:       models.Now(),
	}
	if err := repos.MeetingType.Create(ctx, inactive); err != nil {
		t.Fatalf("Failed to create meeting type: %v", err)
	}

	svc := NewHoldService(repos, bus)
	start, end := futureSlot(48 * time.Hour)

	tests := []struct {
		name  string
		input CreateHoldInput
		want  Kind
	}{
		{
			name: "Missing idempotency key",
			input: CreateHoldInput{
				MeetingTypeSlug: mt.Slug, SlotStart: start, SlotEnd: end,
				GuestEmail: "guest@example.com",
			},
			want: KindValidation,
		},
		{
			name: "Invalid email",
			input: CreateHoldInput{
				MeetingTypeSlug: mt.Slug, SlotStart: start, SlotEnd: end,
				GuestEmail: "not-an-email", IdempotencyKey: uuid.NewString(),
			},
			want: KindValidation,
		},
		{
			name: "Zero slot start",
			input: CreateHoldInput{
				MeetingTypeSlug: mt.Slug, SlotEnd: end,
				GuestEmail: "guest@example.com", IdempotencyKey: uuid.NewString(),
			},
			want: KindValidation,
		},
		{
			name: "End before start",
			input: CreateHoldInput{
				MeetingTypeSlug: mt.Slug, SlotStart: end, SlotEnd: start,
				GuestEmail: "guest@example.com", IdempotencyKey: uuid.NewString(),
			},
			want: KindValidation,
		},
		{
			name: "Wrong duration",
			input: CreateHoldInput{
				MeetingTypeSlug: mt.Slug, SlotStart: start, SlotEnd: start.Add(45 * time.Minute),
				GuestEmail: "guest@example.com", IdempotencyKey: uuid.NewString(),
			},
			want: KindValidation,
		},
		{
			name: "Slot in the past",
			input: CreateHoldInput{
				MeetingTypeSlug: mt.Slug,
				SlotStart:       time.Now().UTC().Add(-2 * time.Hour),
				SlotEnd:         time.Now().UTC().Add(-90 * time.Minute),
				GuestEmail:      "guest@example.com", IdempotencyKey: uuid.NewString(),
			},
			want: KindValidation,
		},
		{
			name: "Unknown meeting type",
			input: CreateHoldInput{
				MeetingTypeSlug: "nope", SlotStart: start, SlotEnd: end,
				GuestEmail: "guest@example.com", IdempotencyKey: uuid.NewString(),
			},
			want: KindNotFound,
		},
		{
			name: "Inactive meeting type",
			input: CreateHoldInput{
				MeetingTypeSlug: inactive.Slug, SlotStart: start, SlotEnd: end,
				GuestEmail: "guest@example.com", IdempotencyKey: uuid.NewString(),
			},
			want: KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.CreateHold(ctx, tt.input)
			if err == nil {
				t.Fatal("Expected error")
			}
			if got := KindOf(err); got != tt.want {
				t.Errorf("Expected kind %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestReleaseHold(t *testing.T) {
	repos, bus := setupServiceTest(t)
	ctx := context.Background()
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)
	capture := captureEvents(t, bus, eventbus.StreamBookings, "slot.*")

	svc := NewHoldService(repos, bus)
	start, end := futureSlot(48 * time.Hour)
	hold, _, err := svc.CreateHold(ctx, CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "guest@example.com",
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}

	if err := svc.ReleaseHold(ctx, hold.ID); err != nil {
		t.Fatalf("ReleaseHold failed: %v", err)
	}

	released := capture.waitFor(t, eventbus.SubjectSlotReleased, 1)
	var payload eventbus.SlotEvent
	if err := json.Unmarshal(released[0].Data, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.Reason != "released" {
		t.Errorf("Expected reason released, got %q", payload.Reason)
	}

	// Releasing again is a quiet no-op.
	if err := svc.ReleaseHold(ctx, hold.ID); err != nil {
		t.Fatalf("Repeat release failed: %v", err)
	}
	capture.assertCount(t, eventbus.SubjectSlotReleased, 1)

	current, err := svc.GetHold(ctx, hold.ID)
	if err != nil {
		t.Fatalf("GetHold failed: %v", err)
	}
	if current.Status != models.HoldStatusReleased {
		t.Errorf("Expected status released, got %s", current.Status)
	}
}

func TestReleaseHold_ConvertedHoldRefuses(t *testing.T) {
	repos, bus := setupServiceTest(t)
	ctx := context.Background()
	host := createHost(t, repos, "UTC")
	mt := createMeetingType(t, repos, host, false)

	svc := NewHoldService(repos, bus)
	start, end := futureSlot(48 * time.Hour)
	hold, _, err := svc.CreateHold(ctx, CreateHoldInput{
		MeetingTypeSlug: mt.Slug,
		SlotStart:       start,
		SlotEnd:         end,
		GuestEmail:      "guest@example.com",
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}
	booking := &models.Booking{
		ID:             uuid.NewString(),
		UserID:         host.ID,
		HoldID:         hold.ID,
		GuestEmail:     hold.GuestEmail,
		GuestTimezone:  "UTC",
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      models.Now(),
		UpdatedAt:      models.Now(),
	}
	if err := repos.Booking.ConfirmWithHold(ctx, booking, false); err != nil {
		t.Fatalf("ConfirmWithHold failed: %v", err)
	}

	err = svc.ReleaseHold(ctx, hold.ID)
	if KindOf(err) != KindValidation {
		t.Fatalf("Expected KindValidation for converted hold, got %v", err)
	}
}

func TestGetHold_NotFound(t *testing.T) {
	repos, bus := setupServiceTest(t)
	svc := NewHoldService(repos, bus)

	if _, err := svc.GetHold(context.Background(), "not-a-uuid"); KindOf(err) != KindNotFound {
		t.Errorf("Expected KindNotFound for malformed id, got %v", err)
	}
	if _, err := svc.GetHold(context.Background(), uuid.NewString()); KindOf(err) != KindNotFound {
		t.Errorf("Expected KindNotFound for unknown id, got %v", err)
	}
}
