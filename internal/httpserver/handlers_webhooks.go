package httpserver

import (
	"context"
	"io"
	"net/http"
	"time"

	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/logger"
	"github.com/CoveStays/checkout/internal/psp"
	"github.com/CoveStays/checkout/pkg/responders"
)

// maxWebhookBody caps how much of a webhook payload is read. PSP events are
// a few KB; anything near the cap is not a legitimate delivery.
const maxWebhookBody = 1 << 20

// pspWebhook ingests payment processor events: verify the signature over the
// raw bytes, drop replays, dispatch, and only then mark the event processed.
// Handler failures return 5xx so the processor redelivers.
func (h *handlers) pspWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	started := time.Now()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Error().Err(err).Msg("webhook.read_body_failed")
		apperrors.WriteCode(w, apperrors.CodeValidation, "could not read request body", nil)
		return
	}

	event, err := h.psp.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Warn().Err(err).Msg("webhook.invalid_signature")
		apperrors.WriteError(w, err)
		return
	}

	log.Info().
		Str("eventId", event.ID).
		Str("eventType", event.Type).
		Msg("webhook.received")

	// Dedup check. A lookup failure falls through to processing: the
	// dispatch paths are idempotent, the dedup record is an optimisation.
	processed, err := h.deduper.Processed(r.Context(), event.ID)
	if err != nil {
		log.Warn().Err(err).Str("eventId", event.ID).Msg("webhook.dedup_check_failed")
	}
	if processed {
		h.observeWebhook(event.Type, "already_processed", started)
		responders.JSON(w, http.StatusOK, map[string]any{
			"received": true,
			"status":   "already_processed",
		})
		return
	}

	// Dispatch on a detached context: once the signature checks out, the
	// orchestration finishes even if the processor hangs up early. Replays
	// are already safe, this just avoids pointless half-runs.
	if err := h.dispatchEvent(context.WithoutCancel(r.Context()), event); err != nil {
		h.observeWebhook(event.Type, "failed", started)
		log.Error().Err(err).
			Str("eventId", event.ID).
			Str("eventType", event.Type).
			Msg("webhook.processing_failed")
		apperrors.WriteError(w, apperrors.Wrap(apperrors.CodePSPError, "event processing failed", err))
		return
	}

	// Mark processed only after the handler succeeded, so a crash mid-flight
	// gets a redelivery rather than a lost event. A failed mark costs one
	// redundant (idempotent) reprocess.
	if err := h.deduper.MarkProcessed(r.Context(), event.ID, event.Type); err != nil {
		log.Warn().Err(err).Str("eventId", event.ID).Msg("webhook.mark_processed_failed")
	}

	h.observeWebhook(event.Type, "processed", started)
	responders.JSON(w, http.StatusOK, map[string]any{
		"received": true,
		"type":     event.Type,
	})
}

// dispatchEvent routes a verified event into the orchestrator. Unknown event
// types are acknowledged without action; the PSP sends whatever the account
// is subscribed to.
func (h *handlers) dispatchEvent(ctx context.Context, event psp.Event) error {
	log := logger.FromContext(ctx)

	switch event.Type {
	case "payment_intent.succeeded":
		if event.CheckoutID == "" {
			// An intent without our metadata is not a checkout payment.
			// Acknowledge it instead of poisoning the delivery queue.
			log.Warn().Str("eventId", event.ID).Msg("webhook.no_checkout_metadata")
			return nil
		}
		return h.checkout.HandlePaymentSucceeded(ctx, event.CheckoutID, event.PaymentIntentID)

	case "payment_intent.payment_failed":
		if event.CheckoutID == "" {
			log.Warn().Str("eventId", event.ID).Msg("webhook.no_checkout_metadata")
			return nil
		}
		return h.checkout.HandlePaymentFailed(ctx, event.CheckoutID, event.FailureMessage)

	case "charge.refunded":
		// Recorded, not orchestrated. Refunds are issued by this service
		// (late-payment compensation) or by support tooling; the event is
		// the audit trail.
		log.Info().
			Str("eventId", event.ID).
			Str("paymentIntentId", event.PaymentIntentID).
			Int64("amount", event.Amount).
			Str("currency", event.Currency).
			Msg("webhook.charge_refunded")
		return nil

	default:
		log.Debug().Str("eventType", event.Type).Msg("webhook.ignored")
		return nil
	}
}

func (h *handlers) observeWebhook(eventType, status string, started time.Time) {
	if h.metrics != nil {
		h.metrics.ObserveWebhook(eventType, status, time.Since(started))
	}
}
