package checkout

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CoveStays/checkout/internal/config"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/logger"
	"github.com/CoveStays/checkout/internal/metrics"
	"github.com/CoveStays/checkout/internal/pms"
	"github.com/CoveStays/checkout/internal/psp"
	"github.com/CoveStays/checkout/internal/store"
)

// PropertySystem is the PMS surface the orchestrator drives.
type PropertySystem interface {
	GetListing(ctx context.Context, listingID string) (pms.Listing, error)
	CalculatePrice(ctx context.Context, listingID string, req pms.PriceRequest) (pms.PriceQuote, error)
	CreateReservation(ctx context.Context, req pms.ReservationRequest) (pms.Reservation, error)
	UpdateReservation(ctx context.Context, reservationID string, patch pms.ReservationPatch) (pms.Reservation, error)
	CancelReservation(ctx context.Context, reservationID string) error
	GetReservation(ctx context.Context, reservationID string) (pms.Reservation, error)
	RegisterPayment(ctx context.Context, reservationID string, rec pms.PaymentRecord) error
}

// PaymentProcessor is the PSP surface the orchestrator drives.
type PaymentProcessor interface {
	CreatePaymentIntent(ctx context.Context, req psp.CreateIntentRequest) (psp.Intent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (psp.Intent, error)
	CreateRefund(ctx context.Context, paymentIntentID, reason string) (psp.Refund, error)
}

// paymentMethodCard is the method recorded on the PMS ledger for card
// payments settled through the PSP.
const paymentMethodCard = "credit_card"

// finalizePollInterval is how often WaitForConfirmation re-reads the
// document while waiting for the webhook path to land.
const finalizePollInterval = time.Second

// Service orchestrates the checkout flow across the document store, the
// property management system, and the payment processor.
type Service struct {
	cfg     config.CheckoutConfig
	gw      store.Gateway
	machine *Machine
	pms     PropertySystem
	psp     PaymentProcessor
	metrics *metrics.Metrics
}

// NewService constructs the checkout orchestrator. m may be nil.
func NewService(cfg config.CheckoutConfig, gw store.Gateway, machine *Machine, propertySystem PropertySystem, paymentProcessor PaymentProcessor, m *metrics.Metrics) *Service {
	return &Service{
		cfg:     cfg,
		gw:      gw,
		machine: machine,
		pms:     propertySystem,
		psp:     paymentProcessor,
		metrics: m,
	}
}

// InitializeRequest starts a checkout for a stay.
type InitializeRequest struct {
	ListingID  string            `json:"listingId"`
	CheckIn    string            `json:"checkIn"`
	CheckOut   string            `json:"checkOut"`
	Guests     store.Guests      `json:"guests"`
	CouponCode string            `json:"couponCode,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Initialize prices the stay with the PMS and creates the checkout document
// with a locked quote. The quote is write-once: the amount charged later is
// exactly the amount locked here.
func (s *Service) Initialize(ctx context.Context, req InitializeRequest) (store.Checkout, error) {
	log := logger.FromContext(ctx)

	if err := validateInitialize(req); err != nil {
		return store.Checkout{}, err
	}

	listing, err := s.pms.GetListing(ctx, req.ListingID)
	if err != nil {
		return store.Checkout{}, err
	}
	if listing.MaxGuests > 0 && req.Guests.Adults+req.Guests.Children > listing.MaxGuests {
		return store.Checkout{}, apperrors.E(apperrors.CodeValidation, "party is too large for this listing").
			WithDetail("guests", fmt.Sprintf("listing sleeps at most %d guests", listing.MaxGuests))
	}

	priced, err := s.pms.CalculatePrice(ctx, req.ListingID, pms.PriceRequest{
		CheckIn:    req.CheckIn,
		CheckOut:   req.CheckOut,
		Guests:     req.Guests,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		return store.Checkout{}, err
	}
	if !strings.EqualFold(priced.Currency, s.cfg.Currency) {
		return store.Checkout{}, apperrors.Ef(apperrors.CodeUnsupportedCurrency,
			"listing is priced in %s, this service only settles %s", priced.Currency, s.cfg.Currency)
	}
	if priced.Total <= 0 {
		return store.Checkout{}, apperrors.E(apperrors.CodeValidation, "stay priced at zero, nothing to charge")
	}

	now := time.Now().UTC()
	c := store.Checkout{
		ID:    uuid.NewString(),
		State: store.StateInitiated,
		StateHistory: []store.Transition{{
			From:      store.StateInitiated,
			To:        store.StateInitiated,
			Timestamp: now,
			Reason:    "initialized",
			Actor:     store.ActorUser,
		}},
		ListingID:   req.ListingID,
		ListingName: listing.Name,
		CheckIn:     req.CheckIn,
		CheckOut:    req.CheckOut,
		Guests:      req.Guests,
		CouponCode:  req.CouponCode,
		Quote: &store.Quote{
			Total:    priced.Total,
			Currency: strings.ToLower(priced.Currency),
			Breakdown: store.QuoteBreakdown{
				Subtotal:    priced.Subtotal,
				CleaningFee: priced.CleaningFee,
				ServiceFee:  priced.ServiceFee,
				Taxes:       priced.Taxes,
			},
			Hash:      QuoteHash(req.ListingID, req.CheckIn, req.CheckOut, req.Guests, req.CouponCode),
			ExpiresAt: now.Add(s.cfg.QuoteTTL.Duration),
		},
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.gw.CreateCheckout(ctx, c); err != nil {
		return store.Checkout{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveCheckoutInitialized()
	}

	log.Info().
		Str("checkoutId", c.ID).
		Str("listingId", c.ListingID).
		Str("checkIn", c.CheckIn).
		Str("checkOut", c.CheckOut).
		Int64("quoteTotal", c.Quote.Total).
		Msg("checkout.initialized")
	return c, nil
}

// Get fetches a checkout by id.
func (s *Service) Get(ctx context.Context, id string) (store.Checkout, error) {
	c, err := s.gw.GetCheckout(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Checkout{}, apperrors.Ef(apperrors.CodeNotFound, "checkout %s not found", id)
		}
		return store.Checkout{}, err
	}
	return c, nil
}

// UpdateGuest attaches the lead guest's contact details. Guest details stay
// editable until payment settles; the quote hash does not cover them, so no
// repricing happens.
func (s *Service) UpdateGuest(ctx context.Context, id string, guest store.Guest) (store.Checkout, error) {
	if err := validateGuest(guest); err != nil {
		return store.Checkout{}, err
	}

	result, err := s.gw.MutateCheckout(ctx, id, func(c *store.Checkout) error {
		switch c.State {
		case store.StateInitiated, store.StateHoldCreated, store.StatePaymentCreated:
		default:
			return apperrors.Ef(apperrors.CodeInvalidStateForUpdate,
				"guest details cannot change once checkout is %s", c.State)
		}
		g := guest
		c.Guest = &g
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Checkout{}, apperrors.Ef(apperrors.CodeNotFound, "checkout %s not found", id)
		}
		return store.Checkout{}, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("checkoutId", id).
		Str("guestEmail", logger.RedactEmail(guest.Email)).
		Msg("checkout.guest_updated")
	return result, nil
}

// CreateHold places the inventory hold: it creates a "reserved" entry in the
// PMS and moves the checkout to HOLD_CREATED in the same commit. A checkout
// already holding inventory returns as-is.
//
// The PMS call runs inside the commit window so the reservation id and the
// state change land together. If the commit loses a concurrency race the
// prepared reservation is reused on the retry rather than created twice; if
// the commit fails outright, the orphaned "reserved" entry still carries this
// hold's deadline PMS-side and dies with it.
func (s *Service) CreateHold(ctx context.Context, id string) (store.Checkout, error) {
	log := logger.FromContext(ctx)

	var reserved *pms.Reservation
	result, err := s.machine.TransitionWith(ctx, id, store.StateHoldCreated, store.ActorUser, "inventory hold placed",
		func(c *store.Checkout) (*Updates, error) {
			if c.Guest == nil || !emailPattern.MatchString(c.Guest.Email) {
				return nil, apperrors.E(apperrors.CodeGuestRequired,
					"guest contact details are required before placing a hold")
			}
			if err := verifyQuoteHash(c); err != nil {
				return nil, err
			}
			now := time.Now().UTC()
			if err := verifyQuoteFresh(c, now); err != nil {
				return nil, err
			}

			// Deadline is fixed before the PMS call so a commit failure
			// leaves a sweepable document, not an untracked reservation.
			holdExpiresAt := now.Add(s.cfg.HoldTTL.Duration)

			reservationID := c.PMSReservationID
			if reservationID == "" {
				if reserved == nil {
					r, err := s.pms.CreateReservation(ctx, pms.ReservationRequest{
						ListingID:  c.ListingID,
						CheckIn:    c.CheckIn,
						CheckOut:   c.CheckOut,
						Type:       pms.ReservationTypeReserved,
						Guest:      *c.Guest,
						Guests:     c.Guests,
						TotalPrice: c.Quote.Total,
						Currency:   c.Quote.Currency,
					})
					if err != nil {
						return nil, err
					}
					reserved = &r
				}
				reservationID = reserved.ID
			}
			return &Updates{
				PMSReservationID: &reservationID,
				HoldExpiresAt:    &holdExpiresAt,
			}, nil
		})
	if err != nil {
		return store.Checkout{}, err
	}

	log.Info().
		Str("checkoutId", result.ID).
		Str("pmsReservationId", result.PMSReservationID).
		Time("holdExpiresAt", derefTime(result.HoldExpiresAt)).
		Msg("checkout.hold_created")
	return result, nil
}

// CreatePaymentIntent opens the payment intent for the locked quote total and
// moves the checkout to PAYMENT_CREATED. The client secret is returned to the
// caller and never stored.
//
// The PSP call itself is idempotent per checkout (key pi:{checkoutId}), so a
// duplicate request that slips past the HTTP idempotency layer still lands on
// the same intent.
func (s *Service) CreatePaymentIntent(ctx context.Context, id string) (store.Checkout, string, error) {
	log := logger.FromContext(ctx)

	c, err := s.Get(ctx, id)
	if err != nil {
		return store.Checkout{}, "", err
	}

	// Retry fast path: the intent exists, hand back its secret unchanged.
	if c.PSPPaymentIntentID != "" {
		intent, err := s.psp.RetrievePaymentIntent(ctx, c.PSPPaymentIntentID)
		if err != nil {
			return store.Checkout{}, "", err
		}
		return c, intent.ClientSecret, nil
	}

	if c.State != store.StateHoldCreated {
		return store.Checkout{}, "", apperrors.Ef(apperrors.CodeInvalidTransition,
			"checkout %s: cannot create payment in state %s", id, c.State)
	}
	if err := verifyQuoteHash(&c); err != nil {
		return store.Checkout{}, "", err
	}

	receiptEmail := ""
	if c.Guest != nil {
		receiptEmail = c.Guest.Email
	}
	intent, err := s.psp.CreatePaymentIntent(ctx, psp.CreateIntentRequest{
		CheckoutID:       c.ID,
		PMSReservationID: c.PMSReservationID,
		Amount:           c.Quote.Total,
		Currency:         c.Quote.Currency,
		CustomerEmail:    receiptEmail,
		Description:      fmt.Sprintf("%s, %s to %s", c.ListingName, c.CheckIn, c.CheckOut),
	})
	if err != nil {
		return store.Checkout{}, "", err
	}

	updated, err := s.machine.Transition(ctx, id, store.StatePaymentCreated, store.ActorUser,
		"payment intent created", &Updates{PSPPaymentIntentID: &intent.ID})
	if err != nil {
		// The intent exists PSP-side but the checkout moved on (expired or
		// canceled in the gap). Nothing is captured until the shopper
		// confirms, so surfacing the dead transition is safe.
		return store.Checkout{}, "", err
	}

	log.Info().
		Str("checkoutId", updated.ID).
		Str("pspPaymentIntentId", updated.PSPPaymentIntentID).
		Int64("amount", intent.Amount).
		Msg("checkout.payment_intent_created")
	return updated, intent.ClientSecret, nil
}

// HandlePaymentSucceeded confirms the booking after the PSP reports captured
// funds: PAID transition, PMS promotion to "booked", payment registration,
// booking code fetch, BOOKED transition.
//
// Every step tolerates replay, so a webhook redelivered after a mid-sequence
// crash resumes where the last delivery died. An error return tells the
// ingress layer to answer 5xx and let the PSP redeliver.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, checkoutID, paymentIntentID string) error {
	log := logger.FromContext(ctx)

	c, ok, err := s.machine.TryTransition(ctx, checkoutID, store.StatePaid, store.ActorWebhook, "payment succeeded", nil)
	if err != nil {
		return err
	}
	if !ok {
		return s.settleLatePayment(ctx, checkoutID, paymentIntentID)
	}

	if c.PSPPaymentIntentID != "" && paymentIntentID != "" && c.PSPPaymentIntentID != paymentIntentID {
		return apperrors.Ef(apperrors.CodeInternal,
			"checkout %s: event intent %s does not match stored intent %s",
			checkoutID, paymentIntentID, c.PSPPaymentIntentID)
	}
	if c.PMSReservationID == "" || c.Quote == nil {
		return apperrors.Ef(apperrors.CodeInternal, "checkout %s is PAID without a reservation", checkoutID)
	}

	if _, err := s.pms.UpdateReservation(ctx, c.PMSReservationID, pms.ReservationPatch{Type: pms.ReservationTypeBooked}); err != nil {
		return err
	}
	if err := s.pms.RegisterPayment(ctx, c.PMSReservationID, pms.PaymentRecord{
		Method:    paymentMethodCard,
		Amount:    c.Quote.Total,
		Currency:  c.Quote.Currency,
		Reference: c.PSPPaymentIntentID,
	}); err != nil {
		return err
	}
	reservation, err := s.pms.GetReservation(ctx, c.PMSReservationID)
	if err != nil {
		return err
	}

	booked, err := s.machine.Transition(ctx, checkoutID, store.StateBooked, store.ActorSystem,
		"reservation confirmed", &Updates{PMSBookingCode: &reservation.BookingCode})
	if err != nil {
		return err
	}

	log.Info().
		Str("checkoutId", booked.ID).
		Str("bookingCode", booked.PMSBookingCode).
		Msg("checkout.booked")
	return nil
}

// settleLatePayment handles captured funds on a checkout the graph refused to
// mark PAID. A replay against a BOOKED checkout is acknowledged; funds landing
// on an EXPIRED or CANCELED checkout bought nothing and are refunded
// immediately. The refund carries its own PSP idempotency key, so
// redeliveries converge on a single refund.
func (s *Service) settleLatePayment(ctx context.Context, checkoutID, paymentIntentID string) error {
	log := logger.FromContext(ctx)

	c, err := s.Get(ctx, checkoutID)
	if err != nil {
		return err
	}
	switch c.State {
	case store.StateBooked:
		return nil
	case store.StateExpired, store.StateCanceled:
		if paymentIntentID == "" {
			paymentIntentID = c.PSPPaymentIntentID
		}
		if paymentIntentID == "" {
			return apperrors.Ef(apperrors.CodeInternal, "checkout %s: no payment intent to refund", checkoutID)
		}
		ref, err := s.psp.CreateRefund(ctx, paymentIntentID, "requested_by_customer")
		if err != nil {
			return err
		}
		log.Warn().
			Str("checkoutId", c.ID).
			Str("state", string(c.State)).
			Str("pspPaymentIntentId", paymentIntentID).
			Str("refundId", ref.ID).
			Msg("checkout.late_payment_refunded")
		return nil
	default:
		return apperrors.Ef(apperrors.CodeInvalidState,
			"checkout %s: payment succeeded in unexpected state %s", checkoutID, c.State)
	}
}

// HandlePaymentFailed records a declined confirmation attempt. No transition:
// the shopper keeps retrying the same intent until the hold expires.
func (s *Service) HandlePaymentFailed(ctx context.Context, checkoutID, failureMessage string) error {
	log := logger.FromContext(ctx)

	c, err := s.gw.MutateCheckout(ctx, checkoutID, func(c *store.Checkout) error {
		c.RetryCount++
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing is at stake on a failed payment for an unknown
			// checkout; acknowledge instead of poisoning the delivery queue.
			log.Warn().Str("checkoutId", checkoutID).Msg("checkout.payment_failed_unknown")
			return nil
		}
		return err
	}

	log.Info().
		Str("checkoutId", c.ID).
		Str("state", string(c.State)).
		Int("retryCount", c.RetryCount).
		Str("reason", failureMessage).
		Msg("checkout.payment_failed")
	return nil
}

// WaitForConfirmation blocks until the checkout reaches a terminal state or
// maxWait elapses, polling the store once per second. Reading the document
// rather than process memory means the wait works even when the webhook that
// completes the booking lands on another instance.
//
// Hitting the deadline is not an error: the last-read document comes back and
// the caller reports the checkout as still pending.
func (s *Service) WaitForConfirmation(ctx context.Context, id string, maxWait time.Duration) (store.Checkout, error) {
	if cap := s.cfg.FinalizeMaxWait.Duration; maxWait <= 0 || maxWait > cap {
		maxWait = cap
	}
	deadline := time.Now().Add(maxWait)

	ticker := time.NewTicker(finalizePollInterval)
	defer ticker.Stop()
	for {
		c, err := s.Get(ctx, id)
		if err != nil {
			return store.Checkout{}, err
		}
		if c.State.Terminal() || time.Now().After(deadline) {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return c, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel releases the inventory hold and parks the checkout in CANCELED.
// Canceling a BOOKED checkout is the one allowed post-terminal move.
//
// The PMS release runs first: a checkout is never marked CANCELED while its
// reservation might still block inventory. NOT_FOUND from the PMS counts as
// released.
func (s *Service) Cancel(ctx context.Context, id, reason string) (store.Checkout, error) {
	log := logger.FromContext(ctx)

	c, err := s.Get(ctx, id)
	if err != nil {
		return store.Checkout{}, err
	}
	if c.State == store.StateCanceled {
		return c, nil
	}
	if !CanTransition(c.State, store.StateCanceled) {
		return store.Checkout{}, apperrors.Ef(apperrors.CodeInvalidTransition,
			"checkout %s: cannot cancel in state %s", id, c.State)
	}

	if c.PMSReservationID != "" {
		if err := s.pms.CancelReservation(ctx, c.PMSReservationID); err != nil && !apperrors.Is(err, apperrors.CodeNotFound) {
			return store.Checkout{}, err
		}
	}

	if reason == "" {
		reason = "canceled by guest"
	}
	result, err := s.machine.Transition(ctx, id, store.StateCanceled, store.ActorUser, reason, nil)
	if err != nil {
		return store.Checkout{}, err
	}

	log.Info().
		Str("checkoutId", result.ID).
		Str("fromState", string(c.State)).
		Msg("checkout.canceled")
	return result, nil
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const stayDateLayout = "2006-01-02"

func validateInitialize(req InitializeRequest) error {
	details := map[string]interface{}{}

	if strings.TrimSpace(req.ListingID) == "" {
		details["listingId"] = "listingId is required"
	}
	checkIn, inErr := time.Parse(stayDateLayout, req.CheckIn)
	if inErr != nil {
		details["checkIn"] = "checkIn must be a YYYY-MM-DD date"
	}
	checkOut, outErr := time.Parse(stayDateLayout, req.CheckOut)
	if outErr != nil {
		details["checkOut"] = "checkOut must be a YYYY-MM-DD date"
	}
	if inErr == nil && outErr == nil {
		now := time.Now().UTC()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if checkIn.Before(today) {
			details["checkIn"] = "checkIn must be today or later"
		}
		if !checkOut.After(checkIn) {
			details["checkOut"] = "checkOut must be after checkIn"
		}
	}
	if req.Guests.Adults < 1 {
		details["guests.adults"] = "at least one adult is required"
	}
	if req.Guests.Children < 0 {
		details["guests.children"] = "children cannot be negative"
	}
	if req.Guests.Infants < 0 {
		details["guests.infants"] = "infants cannot be negative"
	}

	if len(details) > 0 {
		return apperrors.E(apperrors.CodeValidation, "invalid checkout request").WithDetails(details)
	}
	return nil
}

func validateGuest(g store.Guest) error {
	details := map[string]interface{}{}

	if strings.TrimSpace(g.FirstName) == "" {
		details["firstName"] = "firstName is required"
	}
	if strings.TrimSpace(g.LastName) == "" {
		details["lastName"] = "lastName is required"
	}
	if !emailPattern.MatchString(g.Email) {
		details["email"] = "a valid email is required"
	}

	if len(details) > 0 {
		return apperrors.E(apperrors.CodeValidation, "invalid guest details").WithDetails(details)
	}
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
