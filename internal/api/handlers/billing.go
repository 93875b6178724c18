package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/billing"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// BillingWebhook answers POST /v1/billing/webhooks. The raw body is
// verified against the Stripe-Signature header before any parsing.
func (h *Handlers) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read payload")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	secret := h.Config.Billing.StripeWebhookSigningSecret
	if secret == "" {
		respondError(w, http.StatusServiceUnavailable, "billing webhooks are not configured")
		return
	}
	if err := billing.VerifySignature(payload, signature, secret, billing.DefaultTolerance); err != nil {
		log.Warn().Err(err).Msg("Webhook signature rejected")
		respondError(w, http.StatusBadRequest, "signature verification failed")
		return
	}

	var event billing.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if event.ID == "" || event.Type == "" {
		respondError(w, http.StatusBadRequest, "event id and type are required")
		return
	}

	if err := h.Billing.ProcessEvent(r.Context(), &event); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("Webhook processing failed")
		respondError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"received": event.ID})
}
