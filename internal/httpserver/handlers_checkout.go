package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CoveStays/checkout/internal/checkout"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/logger"
	"github.com/CoveStays/checkout/internal/store"
	"github.com/CoveStays/checkout/pkg/responders"
)

// initializeCheckout prices the stay and creates the checkout document.
func (h *handlers) initializeCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkout.InitializeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteCode(w, apperrors.CodeValidation, "invalid request body", map[string]interface{}{
			"body": err.Error(),
		})
		return
	}

	// Request metadata travels on the document for support tooling; the
	// client cannot override the server-observed fields.
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	req.Metadata["ipAddress"] = r.RemoteAddr
	if ua := r.UserAgent(); ua != "" {
		req.Metadata["userAgent"] = ua
	}
	if ref := r.Referer(); ref != "" {
		req.Metadata["referrer"] = ref
	}

	c, err := h.checkout.Initialize(r.Context(), req)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	responders.JSON(w, http.StatusCreated, c)
}

// getCheckout returns the checkout document.
func (h *handlers) getCheckout(w http.ResponseWriter, r *http.Request) {
	c, err := h.checkout.Get(r.Context(), chi.URLParam(r, "checkoutId"))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, c)
}

// updateGuest sets or replaces the lead guest's contact details.
func (h *handlers) updateGuest(w http.ResponseWriter, r *http.Request) {
	var guest store.Guest
	if err := decodeJSON(r.Body, &guest); err != nil {
		apperrors.WriteCode(w, apperrors.CodeValidation, "invalid request body", map[string]interface{}{
			"body": err.Error(),
		})
		return
	}

	c, err := h.checkout.UpdateGuest(r.Context(), chi.URLParam(r, "checkoutId"), guest)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, c)
}

type holdResponse struct {
	CheckoutID       string      `json:"checkoutId"`
	State            store.State `json:"state"`
	PMSReservationID string      `json:"pmsReservationId"`
	HoldExpiresAt    *time.Time  `json:"holdExpiresAt"`
}

// createHold places the inventory hold with the PMS. The route carries the
// required-key idempotency middleware: duplicates replay the captured
// response instead of re-reserving.
//
// The orchestration runs on a detached context: a dropped client connection
// must not abandon a reservation mid-create. Adapter deadlines still bound
// each step.
func (h *handlers) createHold(w http.ResponseWriter, r *http.Request) {
	c, err := h.checkout.CreateHold(context.WithoutCancel(r.Context()), chi.URLParam(r, "checkoutId"))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, holdResponse{
		CheckoutID:       c.ID,
		State:            c.State,
		PMSReservationID: c.PMSReservationID,
		HoldExpiresAt:    c.HoldExpiresAt,
	})
}

type paymentIntentResponse struct {
	CheckoutID   string      `json:"checkoutId"`
	ClientSecret string      `json:"clientSecret"`
	State        store.State `json:"state"`
}

// createPaymentIntent creates (or re-retrieves) the payment intent for the
// locked quote. The client secret goes to the caller only; it is never
// stored or logged.
func (h *handlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	c, clientSecret, err := h.checkout.CreatePaymentIntent(context.WithoutCancel(r.Context()), chi.URLParam(r, "checkoutId"))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, paymentIntentResponse{
		CheckoutID:   c.ID,
		ClientSecret: clientSecret,
		State:        c.State,
	})
}

type finalizeRequest struct {
	MaxWaitMs int64 `json:"maxWaitMs"`
}

type finalizeResponse struct {
	Success     bool           `json:"success"`
	BookingCode string         `json:"bookingCode,omitempty"`
	Pending     bool           `json:"pending,omitempty"`
	Checkout    store.Checkout `json:"checkout"`
}

// finalizeCheckout blocks until the checkout settles or the wait budget runs
// out. Timing out is a normal outcome: the booking may still converge via
// the webhook path, so the response says pending rather than failed.
func (h *handlers) finalizeCheckout(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			apperrors.WriteCode(w, apperrors.CodeValidation, "invalid request body", map[string]interface{}{
				"body": err.Error(),
			})
			return
		}
	}

	c, err := h.checkout.WaitForConfirmation(r.Context(), chi.URLParam(r, "checkoutId"), time.Duration(req.MaxWaitMs)*time.Millisecond)
	if err != nil && c.ID == "" {
		apperrors.WriteError(w, err)
		return
	}

	resp := finalizeResponse{Checkout: c}
	switch {
	case c.State == store.StateBooked:
		resp.Success = true
		resp.BookingCode = c.PMSBookingCode
	case c.State.Terminal():
		// CANCELED, EXPIRED, FAILED: settled, but not in the guest's favor.
	default:
		resp.Pending = true
	}

	responders.JSON(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelCheckout releases the hold (when one exists) and parks the checkout
// in CANCELED. Repeat cancels return the settled document.
func (h *handlers) cancelCheckout(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			apperrors.WriteCode(w, apperrors.CodeValidation, "invalid request body", map[string]interface{}{
				"body": err.Error(),
			})
			return
		}
	}

	c, err := h.checkout.Cancel(context.WithoutCancel(r.Context()), chi.URLParam(r, "checkoutId"), req.Reason)
	if err != nil {
		log.Warn().Err(err).Str("checkoutId", chi.URLParam(r, "checkoutId")).Msg("checkout.cancel_rejected")
		apperrors.WriteError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, c)
}
