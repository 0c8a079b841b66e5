package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// SQLiteTime is a time.Time wrapper that can scan SQLite datetime strings
type SQLiteTime struct {
	time.Time
}

// Scan implements sql.Scanner for SQLiteTime
func (st *SQLiteTime) Scan(value interface{}) error {
	if value == nil {
		st.Time = time.Time{}
		return nil
	}

	switch v := value.(type) {
	case time.Time:
		st.Time = v
		return nil
	case string:
		// Try various formats
		layouts := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05Z",
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05.999999-07:00",
			"2006-01-02 15:04:05-07:00",
			"2006-01-02 15:04:05",
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, v); err == nil {
				st.Time = t
				return nil
			}
		}
		return errors.New("unable to parse time: " + v)
	default:
		return errors.New("unsupported type for SQLiteTime")
	}
}

// Value implements driver.Valuer for SQLiteTime
func (st SQLiteTime) Value() (driver.Value, error) {
	// Always store in UTC with Z suffix for consistent string comparisons in SQLite
	return st.Time.UTC().Format("2006-01-02T15:04:05Z"), nil
}

// Now returns the current time as SQLiteTime (in UTC)
func Now() SQLiteTime {
	return SQLiteTime{Time: time.Now().UTC()}
}

// NewSQLiteTime creates a SQLiteTime from a time.Time (converted to UTC)
func NewSQLiteTime(t time.Time) SQLiteTime {
	return SQLiteTime{Time: t.UTC()}
}

// User represents a host who owns meeting types and receives bookings
type User struct {
	ID        string     `json:"id" db:"id"`
	Email     string     `json:"email" db:"email"`
	Name      string     `json:"name" db:"name"`
	Timezone  string     `json:"timezone" db:"timezone"` // IANA zone, drives availability
	CreatedAt SQLiteTime `json:"created_at" db:"created_at"`
	UpdatedAt SQLiteTime `json:"updated_at" db:"updated_at"`
}

// MeetingType represents a bookable meeting configuration
type MeetingType struct {
	ID                  string     `json:"id" db:"id"`
	UserID              string     `json:"user_id" db:"user_id"`
	Slug                string     `json:"slug" db:"slug"`
	Name                string     `json:"name" db:"name"`
	Description         string     `json:"description" db:"description"`
	DurationMinutes     int        `json:"duration_minutes" db:"duration_minutes"`
	BufferBeforeMinutes int        `json:"buffer_before_minutes" db:"buffer_before_minutes"`
	BufferAfterMinutes  int        `json:"buffer_after_minutes" db:"buffer_after_minutes"`
	Location            string     `json:"location" db:"location"`
	RequiresNDA         bool       `json:"requires_nda" db:"requires_nda"`
	Active              bool       `json:"active" db:"active"`
	CreatedAt           SQLiteTime `json:"created_at" db:"created_at"`
	UpdatedAt           SQLiteTime `json:"updated_at" db:"updated_at"`
}

// AvailabilityRule represents a recurring weekly availability window.
// A nil MeetingTypeID means the rule applies to all of the owner's types.
type AvailabilityRule struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	MeetingTypeID  *string    `json:"meeting_type_id" db:"meeting_type_id"`
	DayOfWeek      int        `json:"day_of_week" db:"day_of_week"` // 0=Sunday, 6=Saturday
	StartTime      string     `json:"start_time" db:"start_time"`   // HH:MM wall clock in owner zone
	EndTime        string     `json:"end_time" db:"end_time"`       // HH:MM wall clock in owner zone
	EffectiveFrom  string     `json:"effective_from" db:"effective_from"`   // YYYY-MM-DD
	EffectiveUntil *string    `json:"effective_until" db:"effective_until"` // YYYY-MM-DD, nil = open-ended
	Active         bool       `json:"active" db:"active"`
	CreatedAt      SQLiteTime `json:"created_at" db:"created_at"`
	UpdatedAt      SQLiteTime `json:"updated_at" db:"updated_at"`
}

// BlackoutDate blocks a whole day, or a wall-clock interval of a day when
// StartTime/EndTime are set. RecurringYearly matches on month+day only.
type BlackoutDate struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	Date            string     `json:"date" db:"date"` // YYYY-MM-DD in owner zone
	StartTime       *string    `json:"start_time" db:"start_time"`
	EndTime         *string    `json:"end_time" db:"end_time"`
	RecurringYearly bool       `json:"recurring_yearly" db:"recurring_yearly"`
	Reason          string     `json:"reason" db:"reason"`
	CreatedAt       SQLiteTime `json:"created_at" db:"created_at"`
	UpdatedAt       SQLiteTime `json:"updated_at" db:"updated_at"`
}

// HoldStatus represents the status of a slot hold
type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "active"
	HoldStatusConverted HoldStatus = "converted"
	HoldStatusExpired   HoldStatus = "expired"
	HoldStatusReleased  HoldStatus = "released"
)

// Terminal reports whether the status admits no further transitions
func (s HoldStatus) Terminal() bool {
	return s != HoldStatusActive
}

// SlotHold represents a short-lived exclusive reservation of a slot.
// No two active holds on the same meeting type may overlap.
type SlotHold struct {
	ID             string     `json:"id" db:"id"`
	MeetingTypeID  string     `json:"meeting_type_id" db:"meeting_type_id"`
	SlotStart      SQLiteTime `json:"slot_start" db:"slot_start"`
	SlotEnd        SQLiteTime `json:"slot_end" db:"slot_end"`
	GuestEmail     string     `json:"guest_email" db:"guest_email"`
	GuestName      string     `json:"guest_name" db:"guest_name"`
	Status         HoldStatus `json:"status" db:"status"`
	ExpiresAt      SQLiteTime `json:"expires_at" db:"expires_at"`
	IdempotencyKey string     `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      SQLiteTime `json:"created_at" db:"created_at"`
	UpdatedAt      SQLiteTime `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the hold's TTL has elapsed as of now.
// A hold is live only while expires_at > now.
func (h *SlotHold) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

// BookingStatus represents the status of a booking
type BookingStatus string

const (
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCanceled  BookingStatus = "canceled"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusNoShow    BookingStatus = "no_show"
)

// Booking represents a confirmed meeting.
// No two confirmed bookings on the same meeting type may overlap.
type Booking struct {
	ID             string        `json:"id" db:"id"`
	MeetingTypeID  string        `json:"meeting_type_id" db:"meeting_type_id"`
	UserID         string        `json:"user_id" db:"user_id"`
	HoldID         string        `json:"hold_id" db:"hold_id"`
	SlotStart      SQLiteTime    `json:"slot_start" db:"slot_start"`
	SlotEnd        SQLiteTime    `json:"slot_end" db:"slot_end"`
	GuestEmail     string        `json:"guest_email" db:"guest_email"`
	GuestName      string        `json:"guest_name" db:"guest_name"`
	GuestTimezone  string        `json:"guest_timezone" db:"guest_timezone"`
	GuestNotes     string        `json:"guest_notes" db:"guest_notes"`
	Status         BookingStatus `json:"status" db:"status"`
	IdempotencyKey string        `json:"idempotency_key" db:"idempotency_key"`
	CanceledBy     string        `json:"canceled_by" db:"canceled_by"` // host or guest
	CancelReason   string        `json:"cancel_reason" db:"cancel_reason"`
	CreatedAt      SQLiteTime    `json:"created_at" db:"created_at"`
	UpdatedAt      SQLiteTime    `json:"updated_at" db:"updated_at"`
}

// DocumentStatus represents the status of an NDA signing document
type DocumentStatus string

const (
	DocumentStatusPending DocumentStatus = "pending"
	DocumentStatusSent    DocumentStatus = "sent"
	DocumentStatusSigned  DocumentStatus = "signed"
	DocumentStatusExpired DocumentStatus = "expired"
	DocumentStatusRevoked DocumentStatus = "revoked"
)

// documentStatusRank orders statuses along the forward-only lifecycle.
// expired and revoked are terminal branches reachable from pending or sent.
var documentStatusRank = map[DocumentStatus]int{
	DocumentStatusPending: 0,
	DocumentStatusSent:    1,
	DocumentStatusSigned:  2,
	DocumentStatusExpired: 2,
	DocumentStatusRevoked: 2,
}

// CanTransitionTo reports whether moving to next respects the forward-only lifecycle
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	cur, ok := documentStatusRank[s]
	if !ok {
		return false
	}
	nxt, ok := documentStatusRank[next]
	if !ok {
		return false
	}
	if s == DocumentStatusSigned || s == DocumentStatusExpired || s == DocumentStatusRevoked {
		return false
	}
	return nxt > cur
}

// Document represents an NDA envelope tracked through the signing provider
type Document struct {
	ID          string         `json:"id" db:"id"`
	HoldID      string         `json:"hold_id" db:"hold_id"`
	BookingID   *string        `json:"booking_id" db:"booking_id"`
	EnvelopeID  string         `json:"envelope_id" db:"envelope_id"` // provider-side id
	Status      DocumentStatus `json:"status" db:"status"`
	SignerEmail string         `json:"signer_email" db:"signer_email"`
	SignerName  string         `json:"signer_name" db:"signer_name"`
	SentAt      *SQLiteTime    `json:"sent_at" db:"sent_at"`
	SignedAt    *SQLiteTime    `json:"signed_at" db:"signed_at"`
	AuditTrail  JSONMap        `json:"audit_trail" db:"audit_trail"`
	CreatedAt   SQLiteTime     `json:"created_at" db:"created_at"`
	UpdatedAt   SQLiteTime     `json:"updated_at" db:"updated_at"`
}

// WebhookStatus represents the processing status of an ingested webhook
type WebhookStatus string

const (
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusCompleted  WebhookStatus = "completed"
	WebhookStatusFailed     WebhookStatus = "failed"
)

// ProcessedWebhook records an ingested provider callback for idempotent replay
type ProcessedWebhook struct {
	ID           string        `json:"id" db:"id"`
	Provider     string        `json:"provider" db:"provider"`
	WebhookID    string        `json:"webhook_id" db:"webhook_id"`
	Status       WebhookStatus `json:"status" db:"status"`
	ResponseBody string        `json:"response_body" db:"response_body"`
	CreatedAt    SQLiteTime    `json:"created_at" db:"created_at"`
	UpdatedAt    SQLiteTime    `json:"updated_at" db:"updated_at"`
}

// Slot represents one candidate interval in an availability response
type Slot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

// Interval is a half-open [Start, End) absolute-time interval
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && iv.End.After(other.Start)
}

// JSONMap is a map that can be stored as JSONB
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("type assertion to []byte failed")
	}
}
