package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/holdfast-hq/holdfast/internal/config"
	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/models"
	"github.com/holdfast-hq/holdfast/internal/repository"
)

// SignWellService issues NDA envelopes through the SignWell API. It consumes
// slot.held and provisions a document for every hold on an NDA-gated meeting
// type. Without an API key the HTTP side degrades to a no-op and documents
// stay pending.
type SignWellService struct {
	cfg      *config.Config
	repos    *repository.Repositories
	bus      *eventbus.Bus
	client   *http.Client
	consumer *eventbus.Consumer
}

// NewSignWellService creates a new SignWell service
func NewSignWellService(cfg *config.Config, repos *repository.Repositories, bus *eventbus.Bus) *SignWellService {
	return &SignWellService{
		cfg:   cfg,
		repos: repos,
		bus:   bus,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Start attaches the durable envelope provisioner to the bookings stream
func (s *SignWellService) Start() error {
	// The ack wait has to outlast requestEnvelope's full retry budget against
	// a slow provider.
	c, err := s.bus.Consume(eventbus.ConsumerConfig{
		Name:          "nda-provisioner",
		Stream:        eventbus.StreamBookings,
		FilterSubject: eventbus.SubjectSlotHeld,
		DeliverPolicy: eventbus.DeliverAll,
		AckWait:       60 * time.Second,
	}, s.handleSlotHeld)
	if err != nil {
		return fmt.Errorf("attach nda provisioner: %w", err)
	}
	s.consumer = c
	if s.cfg.SignWell.APIKey == "" {
		log.Printf("[SIGNWELL] No API key configured, envelopes will not be requested")
	}
	log.Printf("[SIGNWELL] NDA provisioner started")
	return nil
}

// Stop detaches the provisioner consumer
func (s *SignWellService) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

func (s *SignWellService) handleSlotHeld(ctx context.Context, env eventbus.Envelope) error {
	var ev eventbus.SlotEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		// Retrying cannot fix a bad payload.
		log.Printf("[SIGNWELL] Dropping malformed slot.held payload: %v", err)
		return nil
	}
	if !ev.NDARequired || ev.HoldID == "" {
		return nil
	}

	doc, err := s.repos.Document.GetByHoldID(ctx, ev.HoldID)
	if err != nil {
		return fmt.Errorf("load document for hold %s: %w", ev.HoldID, err)
	}
	if doc == nil {
		doc, err = s.createDocument(ctx, ev)
		if err != nil {
			return err
		}
	}

	// Redeliveries land here with the row already in place; only the
	// envelope request is still owed.
	if doc.EnvelopeID != "" || doc.Status != models.DocumentStatusPending {
		return nil
	}
	return s.requestEnvelope(ctx, doc)
}

func (s *SignWellService) createDocument(ctx context.Context, ev eventbus.SlotEvent) (*models.Document, error) {
	now := models.Now()
	doc := &models.Document{
		ID:          uuid.NewString(),
		HoldID:      ev.HoldID,
		Status:      models.DocumentStatusPending,
		SignerEmail: ev.GuestEmail,
		SignerName:  ev.GuestName,
		AuditTrail:  models.JSONMap{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repos.Document.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document for hold %s: %w", ev.HoldID, err)
	}

	_, err := s.bus.Publish(ctx, eventbus.SubjectNDACreated, eventbus.DocumentEvent{
		DocumentID:    doc.ID,
		HoldID:        doc.HoldID,
		MeetingTypeID: ev.MeetingTypeID,
		SignerEmail:   doc.SignerEmail,
		Status:        string(doc.Status),
	})
	if err != nil {
		log.Printf("[SIGNWELL] Failed to publish nda.created for document %s: %v", doc.ID, err)
	}
	log.Printf("[SIGNWELL] Created document %s for hold %s", doc.ID, ev.HoldID)
	return doc, nil
}

// requestEnvelope asks SignWell to issue the template envelope for doc and
// stores the provider-side id. SignWell is retried a few times here because
// redeliveries of slot.held arrive with the document row already created.
func (s *SignWellService) requestEnvelope(ctx context.Context, doc *models.Document) error {
	if s.cfg.SignWell.APIKey == "" {
		log.Printf("[SIGNWELL] Degraded mode, document %s stays pending", doc.ID)
		return nil
	}
	if s.cfg.SignWell.TemplateID == "" {
		log.Printf("[SIGNWELL] No template configured, document %s stays pending", doc.ID)
		return nil
	}

	var envelopeID string
	err := retry.Do(
		func() (err error) {
			envelopeID, err = s.postEnvelope(ctx, doc)
			return err
		},
		retry.Delay(1*time.Second),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("request envelope for document %s: %w", doc.ID, err)
	}

	doc.EnvelopeID = envelopeID
	doc.UpdatedAt = models.Now()
	if err := s.repos.Document.Update(ctx, doc); err != nil {
		return fmt.Errorf("store envelope id for document %s: %w", doc.ID, err)
	}
	log.Printf("[SIGNWELL] Envelope %s issued for document %s", envelopeID, doc.ID)
	return nil
}

func (s *SignWellService) postEnvelope(ctx context.Context, doc *models.Document) (string, error) {
	payload := map[string]interface{}{
		"test_mode":   s.cfg.App.Environment != "production",
		"template_id": s.cfg.SignWell.TemplateID,
		"name":        "NDA for " + doc.SignerEmail,
		"recipients": []map[string]interface{}{
			{
				"id":               "1",
				"placeholder_name": "Guest",
				"name":             doc.SignerName,
				"email":            doc.SignerEmail,
			},
		},
		"custom_fields": []map[string]interface{}{
			{"api_id": "hold_id", "value": doc.HoldID},
		},
	}

	body, _ := json.Marshal(payload)
	url := strings.TrimRight(s.cfg.SignWell.BaseURL, "/") + "/document_templates/documents"
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", s.cfg.SignWell.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("signwell returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("signwell response missing document id")
	}
	return result.ID, nil
}
