package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/holdfast-hq/holdfast/internal/services"
)

// SignatureHeader carries the hex HMAC-SHA-256 of the raw webhook body.
const SignatureHeader = "X-Signwell-Signature"

// WebhookHandler ingests e-signature provider callbacks.
type WebhookHandler struct {
	handlers *Handlers
}

// Signwell verifies and processes a SignWell event callback. The response
// body for a given webhook id is stable across retries.
func (h *WebhookHandler) Signwell(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.handlers.writeError(w, services.E(services.KindValidation, "failed to read webhook body", err))
		return
	}

	if err := h.verifySignature(r, body); err != nil {
		h.handlers.writeError(w, err)
		return
	}

	response, err := h.handlers.services.Document.ProcessSignwellWebhook(r.Context(), body)
	if err != nil {
		h.handlers.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(response)); err != nil {
		return
	}
}

// verifySignature checks the shared-secret HMAC over the raw body. Only the
// development environment may run without a configured secret.
func (h *WebhookHandler) verifySignature(r *http.Request, body []byte) error {
	secret := h.handlers.cfg.Webhook.SharedSecret
	if secret == "" {
		if h.handlers.cfg.App.Environment == "development" {
			return nil
		}
		return services.E(services.KindWebhookAuth, "webhook signature verification is not configured", nil)
	}

	given := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if given == "" {
		return services.E(services.KindWebhookAuth, "missing webhook signature", nil)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// hmac.Equal compares in constant time.
	if !hmac.Equal([]byte(expected), []byte(given)) {
		return services.E(services.KindWebhookAuth, "invalid webhook signature", nil)
	}
	return nil
}
