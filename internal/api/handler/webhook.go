package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/api/response"
	"github.com/vellumhq/pipeline/internal/billing"
	"github.com/vellumhq/pipeline/internal/store"
)

const maxWebhookBytes = 1 << 20 // 1 MiB

// BillingUpdater is the persistence surface the webhook handler needs.
type BillingUpdater interface {
	UpdateTenantBilling(ctx context.Context, tenantID uuid.UUID, billingStatus, billingCycleID string) error
}

// NewBillingWebhookHandler returns an http.HandlerFunc for
// POST /api/v1/webhooks/billing. Signature verification happens before any
// side effect; a bad signature leaves every tenant untouched.
func NewBillingWebhookHandler(st BillingUpdater, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable payload", nil)
			return
		}

		sig := r.Header.Get(billing.SignatureHeader)
		if err := billing.VerifySignature(payload, sig, secret, time.Now(), billing.DefaultSignatureTolerance); err != nil {
			response.Error(w, http.StatusBadRequest, "SIGNATURE_INVALID",
				"Webhook signature verification failed", nil)
			return
		}

		event, err := billing.ParseEvent(payload)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed event payload", nil)
			return
		}

		switch event.Type {
		case billing.EventSubscriptionUpdated, billing.EventCycleRotated:
			err = st.UpdateTenantBilling(r.Context(), event.TenantID, event.BillingStatus, event.BillingCycleID)
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "TENANT_NOT_FOUND",
					"No tenant matches the event", nil)
				return
			}
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
				return
			}
		default:
			// Unknown event types are acknowledged so the provider stops retrying.
		}

		response.JSON(w, map[string]bool{"received": true})
	}
}
