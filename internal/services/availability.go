package services

import (
	"context"
	"sort"
	"time"

	"github.com/holdfast-hq/holdfast/internal/models"
	"github.com/holdfast-hq/holdfast/internal/repository"
)

// MinLeadTime is how far in the future a slot must start to be bookable.
// The comparison is strict: a slot starting exactly at now+MinLeadTime is out.
const MinLeadTime = 2 * time.Hour

// AvailabilityService computes candidate slots from rules, blackouts and
// occupancy. It never writes.
type AvailabilityService struct {
	repos         *repository.Repositories
	maxWindowDays int
	now           func() time.Time
}

// NewAvailabilityService creates a new availability service
func NewAvailabilityService(repos *repository.Repositories, maxWindowDays int) *AvailabilityService {
	return &AvailabilityService{
		repos:         repos,
		maxWindowDays: maxWindowDays,
		now:           time.Now,
	}
}

// GetSlotsInput represents input for listing bookable slots
type GetSlotsInput struct {
	MeetingTypeSlug string
	StartDate       string // YYYY-MM-DD, a wall-clock date in the host zone
	EndDate         string // YYYY-MM-DD, inclusive
	Timezone        string // guest IANA zone, presentation only
}

// GetSlots returns every candidate slot in the window with its availability.
// Availability is computed in absolute time; endpoints are converted to the
// guest zone last.
func (s *AvailabilityService) GetSlots(ctx context.Context, input GetSlotsInput) ([]models.Slot, error) {
	mt, err := s.repos.MeetingType.GetBySlug(ctx, input.MeetingTypeSlug)
	if err != nil {
		return nil, E(KindTransient, "failed to load meeting type", err)
	}
	if mt == nil || !mt.Active {
		return nil, E(KindNotFound, "meeting type not found", nil)
	}

	owner, err := s.repos.User.GetByID(ctx, mt.UserID)
	if err != nil {
		return nil, E(KindTransient, "failed to load host", err)
	}
	if owner == nil {
		return nil, E(KindNotFound, "host not found", nil)
	}

	hostLoc, err := time.LoadLocation(owner.Timezone)
	if err != nil {
		hostLoc = time.UTC
	}
	guestLoc, err := time.LoadLocation(input.Timezone)
	if err != nil || input.Timezone == "" {
		guestLoc = time.UTC
	}

	startDay, err := time.ParseInLocation("2006-01-02", input.StartDate, hostLoc)
	if err != nil {
		return nil, E(KindValidation, "invalid start date", err)
	}
	endDay, err := time.ParseInLocation("2006-01-02", input.EndDate, hostLoc)
	if err != nil {
		return nil, E(KindValidation, "invalid end date", err)
	}
	if endDay.Before(startDay) {
		return nil, E(KindValidation, "end date before start date", nil)
	}
	if int(endDay.Sub(startDay).Hours()/24) > s.maxWindowDays {
		return nil, E(KindValidation, "date window too large", nil)
	}

	rules, err := s.repos.Availability.ListForMeetingType(ctx, owner.ID, mt.ID)
	if err != nil {
		return nil, E(KindTransient, "failed to load availability rules", err)
	}
	rules = filterRulesInWindow(rules, input.StartDate, input.EndDate)

	blackouts, err := s.repos.Blackout.ListByUserID(ctx, owner.ID)
	if err != nil {
		return nil, E(KindTransient, "failed to load blackout dates", err)
	}

	now := s.now().UTC()
	duration := time.Duration(mt.DurationMinutes) * time.Minute
	bufBefore := time.Duration(mt.BufferBeforeMinutes) * time.Minute
	bufAfter := time.Duration(mt.BufferAfterMinutes) * time.Minute

	// Occupancy is fetched for the window expanded by the buffers so a
	// neighbor just outside the window still blocks a buffered candidate.
	windowStart := startDay
	windowEnd := endDay.AddDate(0, 0, 1)
	fetchFrom := windowStart.Add(-(bufBefore + bufAfter))
	fetchTo := windowEnd.Add(bufBefore + bufAfter)

	occupancy, err := s.loadOccupancy(ctx, mt.ID, fetchFrom, fetchTo, now)
	if err != nil {
		return nil, err
	}

	minStart := now.Add(MinLeadTime)

	byStart := make(map[int64]models.Slot)
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		dateStr := day.Format("2006-01-02")
		fullDay, partials := blackoutsForDay(blackouts, day, hostLoc)

		for _, rule := range rules {
			if rule.DayOfWeek != int(day.Weekday()) {
				continue
			}
			if !ruleEffectiveOn(rule, dateStr) {
				continue
			}

			winStart, ok := wallClockOn(day, rule.StartTime, hostLoc)
			if !ok {
				continue
			}
			winEnd, ok := wallClockOn(day, rule.EndTime, hostLoc)
			if !ok || !winEnd.After(winStart) {
				continue
			}

			// Step by duration on the absolute timeline: DST gap hours yield
			// no candidates, the repeated fall-back hour yields two.
			for cur := winStart; !cur.Add(duration).After(winEnd); cur = cur.Add(duration) {
				slot := models.Interval{Start: cur, End: cur.Add(duration)}
				buffered := models.Interval{Start: cur.Add(-bufBefore), End: slot.End.Add(bufAfter)}

				available := cur.After(minStart) &&
					!fullDay &&
					!intersectsAny(slot, partials) &&
					!intersectsAny(buffered, occupancy)

				byStart[cur.Unix()] = models.Slot{
					Start:     cur,
					End:       slot.End,
					Available: available,
				}
			}
		}
	}

	slots := make([]models.Slot, 0, len(byStart))
	for _, slot := range byStart {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})

	for i := range slots {
		slots[i].Start = slots[i].Start.In(guestLoc)
		slots[i].End = slots[i].End.In(guestLoc)
	}

	return slots, nil
}

// loadOccupancy returns the blocking intervals in [from, to): active unexpired
// holds and confirmed bookings.
func (s *AvailabilityService) loadOccupancy(ctx context.Context, meetingTypeID string, from, to, now time.Time) ([]models.Interval, error) {
	holds, err := s.repos.Hold.ListActiveInRange(ctx, meetingTypeID, from, to, now)
	if err != nil {
		return nil, E(KindTransient, "failed to load holds", err)
	}
	bookings, err := s.repos.Booking.ListConfirmedInRange(ctx, meetingTypeID, from, to)
	if err != nil {
		return nil, E(KindTransient, "failed to load bookings", err)
	}

	occupancy := make([]models.Interval, 0, len(holds)+len(bookings))
	for _, h := range holds {
		occupancy = append(occupancy, models.Interval{Start: h.SlotStart.UTC(), End: h.SlotEnd.UTC()})
	}
	for _, b := range bookings {
		occupancy = append(occupancy, models.Interval{Start: b.SlotStart.UTC(), End: b.SlotEnd.UTC()})
	}
	return occupancy, nil
}

// filterRulesInWindow drops rules whose effective window lies entirely
// outside [startDate, endDate]. Dates compare lexicographically.
func filterRulesInWindow(rules []*models.AvailabilityRule, startDate, endDate string) []*models.AvailabilityRule {
	var kept []*models.AvailabilityRule
	for _, r := range rules {
		if r.EffectiveFrom != "" && r.EffectiveFrom > endDate {
			continue
		}
		if r.EffectiveUntil != nil && *r.EffectiveUntil < startDate {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// ruleEffectiveOn reports whether the rule covers the given date.
func ruleEffectiveOn(r *models.AvailabilityRule, dateStr string) bool {
	if r.EffectiveFrom != "" && dateStr < r.EffectiveFrom {
		return false
	}
	if r.EffectiveUntil != nil && dateStr > *r.EffectiveUntil {
		return false
	}
	return true
}

// blackoutsForDay resolves the blackouts that apply to a host-zone day:
// whether any full-day blackout blocks it, and the absolute intervals of the
// partial ones. Recurring blackouts match on month+day, so a Feb-29 blackout
// never matches outside leap years. Partials with start >= end are malformed
// and ignored.
func blackoutsForDay(blackouts []*models.BlackoutDate, day time.Time, hostLoc *time.Location) (bool, []models.Interval) {
	dateStr := day.Format("2006-01-02")
	monthDay := dateStr[5:]

	fullDay := false
	var partials []models.Interval
	for _, b := range blackouts {
		if b.Date != dateStr {
			if !b.RecurringYearly || len(b.Date) != 10 || b.Date[5:] != monthDay {
				continue
			}
		}

		if b.StartTime == nil || b.EndTime == nil {
			fullDay = true
			continue
		}

		start, okS := wallClockOn(day, *b.StartTime, hostLoc)
		end, okE := wallClockOn(day, *b.EndTime, hostLoc)
		if !okS || !okE || !end.After(start) {
			continue
		}
		partials = append(partials, models.Interval{Start: start, End: end})
	}
	return fullDay, partials
}

// wallClockOn anchors an HH:MM wall-clock string onto a specific day in the
// given zone. Nonexistent wall times (DST spring forward) normalize per
// time.Date.
func wallClockOn(day time.Time, hhmm string, loc *time.Location) (time.Time, bool) {
	parsed, err := time.ParseInLocation("15:04", hhmm, loc)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, loc), true
}

// intersectsAny reports whether the interval overlaps any of the given set.
func intersectsAny(iv models.Interval, set []models.Interval) bool {
	for _, other := range set {
		if iv.Overlaps(other) {
			return true
		}
	}
	return false
}
