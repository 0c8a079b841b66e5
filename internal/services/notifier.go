package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"

	"github.com/holdfast-hq/holdfast/internal/config"
	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/models"
	"github.com/holdfast-hq/holdfast/internal/repository"
)

// NotifierService turns booking lifecycle events into outbound email. Two
// durable consumers: one composes notify.email.requested from booking.*
// events, one drains the notifications workqueue over SMTP. Without an SMTP
// host the dispatcher acks without sending.
type NotifierService struct {
	cfg       *config.Config
	repos     *repository.Repositories
	bus       *eventbus.Bus
	consumers []*eventbus.Consumer
}

// NewNotifierService creates a new notifier service
func NewNotifierService(cfg *config.Config, repos *repository.Repositories, bus *eventbus.Bus) *NotifierService {
	return &NotifierService{
		cfg:   cfg,
		repos: repos,
		bus:   bus,
	}
}

// Start attaches the composer and dispatcher consumers
func (s *NotifierService) Start() error {
	composer, err := s.bus.Consume(eventbus.ConsumerConfig{
		Name:          "notify-composer",
		Stream:        eventbus.StreamBookings,
		FilterSubject: "booking.*",
		DeliverPolicy: eventbus.DeliverAll,
	}, s.handleBookingEvent)
	if err != nil {
		return fmt.Errorf("attach notify composer: %w", err)
	}
	s.consumers = append(s.consumers, composer)

	// DeliverAll re-drains requests that were queued but not yet acked; the
	// workqueue drops each entry once the dispatcher acks it. SMTP sends have
	// no client-side timeout, so they get the long ack wait.
	dispatcher, err := s.bus.Consume(eventbus.ConsumerConfig{
		Name:          "email-dispatcher",
		Stream:        eventbus.StreamNotifications,
		FilterSubject: eventbus.SubjectEmailRequested,
		DeliverPolicy: eventbus.DeliverAll,
		AckWait:       60 * time.Second,
	}, s.handleEmailRequested)
	if err != nil {
		return fmt.Errorf("attach email dispatcher: %w", err)
	}
	s.consumers = append(s.consumers, dispatcher)

	if s.cfg.Email.SMTPHost == "" {
		log.Printf("[NOTIFY] SMTP not configured, emails will be dropped")
	}
	log.Printf("[NOTIFY] Notifier started")
	return nil
}

// Stop detaches the notifier consumers
func (s *NotifierService) Stop() {
	for _, c := range s.consumers {
		c.Stop()
	}
}

func (s *NotifierService) handleBookingEvent(ctx context.Context, env eventbus.Envelope) error {
	var ev eventbus.BookingEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		log.Printf("[NOTIFY] Dropping malformed %s payload: %v", env.EventType, err)
		return nil
	}

	switch env.EventType {
	case eventbus.SubjectBookingConfirmed:
		return s.composeConfirmed(ctx, ev)
	case eventbus.SubjectBookingCanceled:
		return s.composeCanceled(ctx, ev)
	}
	return nil
}

func (s *NotifierService) composeConfirmed(ctx context.Context, ev eventbus.BookingEvent) error {
	mt, host, err := s.loadMeetingContext(ctx, ev.MeetingTypeID)
	if err != nil {
		return err
	}
	if mt == nil || host == nil {
		log.Printf("[NOTIFY] No meeting context for booking %s, dropping", ev.BookingID)
		return nil
	}

	guestWhen := formatInZone(ev.SlotStart, ev.GuestTimezone)
	guestBody := fmt.Sprintf(`Hello %s,

Your meeting has been confirmed!

Meeting: %s
With: %s
When: %s
Duration: %d minutes

Best regards,
Holdfast`,
		nameOrEmail(ev.GuestName, ev.GuestEmail),
		mt.Name,
		host.Name,
		guestWhen,
		mt.DurationMinutes,
	)
	s.requestEmail(ctx, eventbus.EmailEvent{
		To:        ev.GuestEmail,
		Subject:   fmt.Sprintf("Confirmed: %s with %s", mt.Name, host.Name),
		Body:      guestBody,
		BookingID: ev.BookingID,
	})

	hostWhen := formatInZone(ev.SlotStart, host.Timezone)
	hostBody := fmt.Sprintf(`Hello %s,

A meeting has been confirmed:

Meeting: %s
With: %s (%s)
When: %s
Duration: %d minutes

Best regards,
Holdfast`,
		host.Name,
		mt.Name,
		nameOrEmail(ev.GuestName, ev.GuestEmail),
		ev.GuestEmail,
		hostWhen,
		mt.DurationMinutes,
	)
	s.requestEmail(ctx, eventbus.EmailEvent{
		To:        host.Email,
		Subject:   fmt.Sprintf("Meeting confirmed: %s with %s", mt.Name, nameOrEmail(ev.GuestName, ev.GuestEmail)),
		Body:      hostBody,
		BookingID: ev.BookingID,
	})
	return nil
}

func (s *NotifierService) composeCanceled(ctx context.Context, ev eventbus.BookingEvent) error {
	mt, host, err := s.loadMeetingContext(ctx, ev.MeetingTypeID)
	if err != nil {
		return err
	}
	if mt == nil || host == nil {
		log.Printf("[NOTIFY] No meeting context for booking %s, dropping", ev.BookingID)
		return nil
	}

	// The party that canceled already knows; notify the other one.
	if ev.CanceledBy == "guest" {
		body := fmt.Sprintf(`Hello %s,

A meeting has been cancelled:

Meeting: %s
With: %s (%s)
Was scheduled for: %s

%s
Best regards,
Holdfast`,
			host.Name,
			mt.Name,
			nameOrEmail(ev.GuestName, ev.GuestEmail),
			ev.GuestEmail,
			formatInZone(ev.SlotStart, host.Timezone),
			formatCancelReason(ev.Reason),
		)
		s.requestEmail(ctx, eventbus.EmailEvent{
			To:        host.Email,
			Subject:   fmt.Sprintf("Meeting cancelled: %s", mt.Name),
			Body:      body,
			BookingID: ev.BookingID,
		})
		return nil
	}

	body := fmt.Sprintf(`Hello %s,

Your meeting has been cancelled:

Meeting: %s
With: %s
Was scheduled for: %s

%s
You can book a new time at:
%s/book/%s

Best regards,
Holdfast`,
		nameOrEmail(ev.GuestName, ev.GuestEmail),
		mt.Name,
		host.Name,
		formatInZone(ev.SlotStart, ev.GuestTimezone),
		formatCancelReason(ev.Reason),
		s.cfg.Server.BaseURL,
		mt.Slug,
	)
	s.requestEmail(ctx, eventbus.EmailEvent{
		To:        ev.GuestEmail,
		Subject:   fmt.Sprintf("Meeting cancelled: %s", mt.Name),
		Body:      body,
		BookingID: ev.BookingID,
	})
	return nil
}

func (s *NotifierService) loadMeetingContext(ctx context.Context, meetingTypeID string) (*models.MeetingType, *models.User, error) {
	mt, err := s.repos.MeetingType.GetByID(ctx, meetingTypeID)
	if err != nil {
		return nil, nil, fmt.Errorf("load meeting type %s: %w", meetingTypeID, err)
	}
	if mt == nil {
		return nil, nil, nil
	}
	host, err := s.repos.User.GetByID(ctx, mt.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("load host %s: %w", mt.UserID, err)
	}
	return mt, host, nil
}

func (s *NotifierService) requestEmail(ctx context.Context, ev eventbus.EmailEvent) {
	if _, err := s.bus.Publish(ctx, eventbus.SubjectEmailRequested, ev); err != nil {
		log.Printf("[NOTIFY] Failed to request email to %s: %v", ev.To, err)
	}
}

func (s *NotifierService) handleEmailRequested(ctx context.Context, env eventbus.Envelope) error {
	var ev eventbus.EmailEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		log.Printf("[NOTIFY] Dropping malformed email request: %v", err)
		return nil
	}
	if s.cfg.Email.SMTPHost == "" {
		log.Printf("[NOTIFY] SMTP not configured, dropping email to %s", ev.To)
		return nil
	}

	ics, err := s.calendarInvite(ctx, ev)
	if err != nil {
		return err
	}
	if err := s.sendSMTP(ev.To, ev.Subject, ev.Body, ics); err != nil {
		return fmt.Errorf("send email to %s: %w", ev.To, err)
	}

	if _, err := s.bus.Publish(ctx, eventbus.SubjectEmailSent, eventbus.EmailEvent{
		To:        ev.To,
		Subject:   ev.Subject,
		BookingID: ev.BookingID,
	}); err != nil {
		log.Printf("[NOTIFY] Failed to publish notify.email.sent for %s: %v", ev.To, err)
	}
	log.Printf("[NOTIFY] Sent %q to %s", ev.Subject, ev.To)
	return nil
}

// calendarInvite builds the ICS attachment for a guest's confirmation email.
// Every other email goes out without one.
func (s *NotifierService) calendarInvite(ctx context.Context, ev eventbus.EmailEvent) (string, error) {
	if ev.BookingID == "" {
		return "", nil
	}
	booking, err := s.repos.Booking.GetByID(ctx, ev.BookingID)
	if err != nil {
		return "", fmt.Errorf("load booking %s: %w", ev.BookingID, err)
	}
	if booking == nil || booking.Status != models.BookingStatusConfirmed || booking.GuestEmail != ev.To {
		return "", nil
	}
	mt, host, err := s.loadMeetingContext(ctx, booking.MeetingTypeID)
	if err != nil {
		return "", err
	}
	if mt == nil || host == nil {
		return "", nil
	}
	return generateICS(booking, mt, host), nil
}

// generateICS creates an ICS calendar attachment
func generateICS(booking *models.Booking, mt *models.MeetingType, host *models.User) string {
	return fmt.Sprintf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Holdfast//EN
METHOD:REQUEST
BEGIN:VEVENT
UID:%s@holdfast
DTSTART:%s
DTEND:%s
SUMMARY:%s with %s
DESCRIPTION:%s
LOCATION:%s
ORGANIZER;CN=%s:mailto:%s
ATTENDEE;CN=%s:mailto:%s
STATUS:CONFIRMED
END:VEVENT
END:VCALENDAR`,
		booking.ID,
		booking.SlotStart.UTC().Format("20060102T150405Z"),
		booking.SlotEnd.UTC().Format("20060102T150405Z"),
		mt.Name,
		host.Name,
		escapeICS(mt.Description),
		escapeICS(mt.Location),
		host.Name,
		host.Email,
		nameOrEmail(booking.GuestName, booking.GuestEmail),
		booking.GuestEmail,
	)
}

func (s *NotifierService) sendSMTP(to, subject, body, icsAttachment string) error {
	from := s.cfg.Email.FromAddress
	host := s.cfg.Email.SMTPHost
	port := s.cfg.Email.SMTPPort

	var msg bytes.Buffer

	// Headers
	msg.WriteString(fmt.Sprintf("From: %s <%s>\r\n", s.cfg.Email.FromName, from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))

	if icsAttachment != "" {
		// Multipart message with attachment
		boundary := "----=_Part_0_123456789"
		msg.WriteString("MIME-Version: 1.0\r\n")
		msg.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n", boundary))
		msg.WriteString("\r\n")

		// Text part
		msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(body)
		msg.WriteString("\r\n")

		// ICS attachment
		msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		msg.WriteString("Content-Type: text/calendar; charset=utf-8; method=REQUEST\r\n")
		msg.WriteString("Content-Disposition: attachment; filename=\"invite.ics\"\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(icsAttachment)
		msg.WriteString("\r\n")

		msg.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else {
		msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(body)
	}

	addr := fmt.Sprintf("%s:%d", host, port)

	var auth smtp.Auth
	if s.cfg.Email.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.Email.SMTPUser, s.cfg.Email.SMTPPassword, host)
	}

	return smtp.SendMail(addr, auth, from, []string{to}, msg.Bytes())
}

func formatInZone(t time.Time, zone string) string {
	loc, err := time.LoadLocation(zone)
	if err != nil || loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("Monday, January 2, 2006 at 3:04 PM MST")
}

func formatCancelReason(reason string) string {
	if reason == "" {
		return ""
	}
	return fmt.Sprintf("Reason: %s\n", reason)
}

func nameOrEmail(name, email string) string {
	if name != "" {
		return name
	}
	return email
}

func escapeICS(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, ";", "\\;")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
