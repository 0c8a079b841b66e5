package eventbus

import "time"

// Subjects published on the platform streams. Event types and subjects are
// the same string, so a subscription filter like "slot.*" matches the
// event_type carried in the envelope.
const (
	SubjectSlotHeld     = "slot.held"
	SubjectSlotReleased = "slot.released"

	SubjectBookingConfirmed = "booking.confirmed"
	SubjectBookingCanceled  = "booking.canceled"

	SubjectNDACreated  = "nda.created"
	SubjectNDASent     = "nda.sent"
	SubjectNDASigned   = "nda.signed"
	SubjectNDAExpired  = "nda.expired"
	SubjectNDADeclined = "nda.declined"

	SubjectEmailRequested = "notify.email.requested"
	SubjectEmailSent      = "notify.email.sent"
)

// SlotEvent is the payload for slot.held and slot.released.
type SlotEvent struct {
	HoldID        string    `json:"hold_id"`
	MeetingTypeID string    `json:"meeting_type_id"`
	SlotStart     time.Time `json:"slot_start"`
	SlotEnd       time.Time `json:"slot_end"`
	GuestEmail    string    `json:"guest_email,omitempty"`
	GuestName     string    `json:"guest_name,omitempty"`
	NDARequired   bool      `json:"nda_required,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// BookingEvent is the payload for booking.confirmed and booking.canceled.
type BookingEvent struct {
	BookingID     string    `json:"booking_id"`
	HoldID        string    `json:"hold_id,omitempty"`
	MeetingTypeID string    `json:"meeting_type_id"`
	HostID        string    `json:"host_id,omitempty"`
	SlotStart     time.Time `json:"slot_start"`
	SlotEnd       time.Time `json:"slot_end"`
	GuestEmail    string    `json:"guest_email"`
	GuestName     string    `json:"guest_name,omitempty"`
	GuestTimezone string    `json:"guest_timezone,omitempty"`
	CanceledBy    string    `json:"canceled_by,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// DocumentEvent is the payload for the nda.* subjects.
type DocumentEvent struct {
	DocumentID    string `json:"document_id"`
	HoldID        string `json:"hold_id"`
	MeetingTypeID string `json:"meeting_type_id,omitempty"`
	EnvelopeID    string `json:"envelope_id,omitempty"`
	SignerEmail   string `json:"signer_email,omitempty"`
	Status        string `json:"status"`
}

// EmailEvent is the payload for the notify.email.* subjects.
type EmailEvent struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	BookingID string `json:"booking_id,omitempty"`
}

// DeadLetter is the payload published to dlq.<subject> when a durable
// consumer exhausts its delivery attempts.
type DeadLetter struct {
	OriginalSubject string   `json:"original_subject"`
	OriginalEvent   Envelope `json:"original_event"`
	LastError       string   `json:"last_error"`
	Attempts        int      `json:"attempts"`
}
