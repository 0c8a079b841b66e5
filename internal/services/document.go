package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/models"
	"github.com/holdfast-hq/holdfast/internal/repository"
)

// SigningProvider is the provider key recorded for SignWell callbacks.
const SigningProvider = "signwell"

// DocumentService advances NDA documents from e-signature provider callbacks
type DocumentService struct {
	repos *repository.Repositories
	bus   *eventbus.Bus
	now   func() time.Time

	// replays holds recently completed responses keyed by webhook id, in
	// front of the processed_webhooks table. Ephemeral on restart.
	replays *gocache.Cache
}

// NewDocumentService creates a new document service
func NewDocumentService(repos *repository.Repositories, bus *eventbus.Bus) *DocumentService {
	return &DocumentService{
		repos:   repos,
		bus:     bus,
		now:     time.Now,
		replays: gocache.New(10*time.Minute, 5*time.Minute),
	}
}

// signwellWebhook is the callback payload shape. The hold the document
// belongs to rides in custom_fields, set when the envelope was created.
type signwellWebhook struct {
	Event        string            `json:"event"`
	DocumentID   string            `json:"document_id"`
	CustomFields map[string]string `json:"custom_fields"`
	SignerEmail  string            `json:"signer_email"`
}

// ProcessSignwellWebhook handles one provider callback. Processing is
// idempotent on (provider, document_id:event): a replay of a completed
// callback returns the cached response without touching state, while failed
// records and processing records stranded by a crashed worker are run again.
// The returned string is the response body to send the provider.
func (s *DocumentService) ProcessSignwellWebhook(ctx context.Context, payload []byte) (string, error) {
	var wh signwellWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return "", E(KindValidation, "malformed webhook payload", err)
	}
	if wh.Event == "" || wh.DocumentID == "" {
		return "", E(KindValidation, "webhook payload missing event or document_id", nil)
	}

	webhookID := wh.DocumentID + ":" + wh.Event
	if body, ok := s.replays.Get(webhookID); ok {
		log.Printf("[WEBHOOK] Replayed %s %s from cache", SigningProvider, webhookID)
		return body.(string), nil
	}

	now := models.NewSQLiteTime(s.now())
	record := &models.ProcessedWebhook{
		ID:        uuid.NewString(),
		Provider:  SigningProvider,
		WebhookID: webhookID,
		Status:    models.WebhookStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	record, claimed, err := s.repos.Webhook.Claim(ctx, record)
	if err != nil {
		return "", E(KindTransient, "failed to record webhook", err)
	}
	if !claimed {
		if record.Status == models.WebhookStatusCompleted {
			s.replays.SetDefault(webhookID, record.ResponseBody)
			log.Printf("[WEBHOOK] Replayed %s %s", SigningProvider, webhookID)
			return record.ResponseBody, nil
		}
		// The claim holder crashed before finishing, or is racing this
		// delivery. Document transitions only move forward, so the event is
		// dispatched again and completed against the existing record.
		log.Printf("[WEBHOOK] Re-running %s %s over a processing claim", SigningProvider, webhookID)
	}

	response, err := s.applySignwellEvent(ctx, wh)
	if err != nil {
		if ferr := s.repos.Webhook.Fail(ctx, record.ID); ferr != nil {
			log.Printf("[WEBHOOK] Failed to mark webhook %s failed: %v", webhookID, ferr)
		}
		return "", err
	}

	if err := s.repos.Webhook.Complete(ctx, record.ID, response); err != nil {
		return "", E(KindTransient, "failed to complete webhook", err)
	}
	s.replays.SetDefault(webhookID, response)
	log.Printf("[WEBHOOK] Processed %s %s", SigningProvider, webhookID)
	return response, nil
}

// applySignwellEvent dispatches one callback to the document it names and
// publishes the matching nda.* event. Callbacks for unknown holds, unknown
// event types, or transitions the lifecycle forbids are acknowledged without
// a state change so the provider stops retrying them.
func (s *DocumentService) applySignwellEvent(ctx context.Context, wh signwellWebhook) (string, error) {
	holdID := wh.CustomFields["hold_id"]
	if holdID == "" {
		return webhookResponse("ignored", "no hold_id custom field"), nil
	}

	var target models.DocumentStatus
	var subject string
	switch wh.Event {
	case "document_sent":
		target, subject = models.DocumentStatusSent, eventbus.SubjectNDASent
	case "document_completed":
		target, subject = models.DocumentStatusSigned, eventbus.SubjectNDASigned
	case "document_expired":
		target, subject = models.DocumentStatusExpired, eventbus.SubjectNDAExpired
	case "document_declined":
		target, subject = models.DocumentStatusRevoked, eventbus.SubjectNDADeclined
	default:
		log.Printf("[WEBHOOK] Ignoring unhandled %s event %q", SigningProvider, wh.Event)
		return webhookResponse("ignored", "unhandled event "+wh.Event), nil
	}

	doc, err := s.repos.Document.GetByHoldID(ctx, holdID)
	if err != nil {
		return "", E(KindTransient, "failed to load document", err)
	}
	if doc == nil {
		log.Printf("[WEBHOOK] No document for hold %s, ignoring %s", holdID, wh.Event)
		return webhookResponse("ignored", "no document for hold"), nil
	}
	if !doc.Status.CanTransitionTo(target) {
		// Late or out-of-order callback; the lifecycle only moves forward.
		return webhookResponse("ignored", fmt.Sprintf("document already %s", doc.Status)), nil
	}

	now := models.NewSQLiteTime(s.now())
	doc.Status = target
	switch target {
	case models.DocumentStatusSent:
		doc.SentAt = &now
	case models.DocumentStatusSigned:
		doc.SignedAt = &now
	}
	if doc.EnvelopeID == "" {
		doc.EnvelopeID = wh.DocumentID
	}
	if doc.AuditTrail == nil {
		doc.AuditTrail = models.JSONMap{}
	}
	doc.AuditTrail[wh.Event] = now.UTC().Format(time.RFC3339)
	doc.UpdatedAt = now

	if err := s.repos.Document.Update(ctx, doc); err != nil {
		return "", E(KindTransient, "failed to update document", err)
	}

	s.publishDocument(ctx, subject, doc)
	log.Printf("[WEBHOOK] Document %s -> %s (hold %s)", doc.ID, target, holdID)

	return webhookResponse("ok", string(target)), nil
}

// GetDocumentForHold returns the most recent document issued for a hold.
func (s *DocumentService) GetDocumentForHold(ctx context.Context, holdID string) (*models.Document, error) {
	if _, err := uuid.Parse(holdID); err != nil {
		return nil, E(KindNotFound, "document not found", nil)
	}
	doc, err := s.repos.Document.GetByHoldID(ctx, holdID)
	if err != nil {
		return nil, E(KindTransient, "failed to load document", err)
	}
	if doc == nil {
		return nil, E(KindNotFound, "document not found", nil)
	}
	return doc, nil
}

func (s *DocumentService) publishDocument(ctx context.Context, subject string, doc *models.Document) {
	_, err := s.bus.Publish(ctx, subject, eventbus.DocumentEvent{
		DocumentID:  doc.ID,
		HoldID:      doc.HoldID,
		EnvelopeID:  doc.EnvelopeID,
		SignerEmail: doc.SignerEmail,
		Status:      string(doc.Status),
	})
	if err != nil {
		log.Printf("[WEBHOOK] Failed to publish %s for document %s: %v", subject, doc.ID, err)
	}
}

func webhookResponse(status, detail string) string {
	body := map[string]string{"status": status}
	if detail != "" {
		body["detail"] = detail
	}
	b, _ := json.Marshal(body)
	return string(b)
}
