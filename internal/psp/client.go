// Package psp wraps the payment service provider (Stripe) operations used by
// the checkout flow: creating and retrieving payment intents, refunding, and
// verifying webhook signatures.
package psp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	stripeclient "github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/CoveStays/checkout/internal/circuitbreaker"
	"github.com/CoveStays/checkout/internal/config"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/metrics"
)

// Metadata keys stamped onto every payment intent so webhook events can be
// routed back to their checkout without a lookup table on the PSP side.
const (
	MetadataCheckoutID    = "checkoutId"
	MetadataReservationID = "pmsReservationId"
)

// Client wraps stripe-go operations used by the checkout flow. It owns its
// own stripe client instance; nothing here touches stripe's package-level
// key, so two Clients with different credentials can coexist in one process.
type Client struct {
	cfg        config.PSPConfig
	api        *stripeclient.API
	currencies map[string]bool
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
}

// NewClient sets up a stripe client with the provided credentials. Currencies
// lists the ISO codes the service accepts; an empty list disables the guard.
// breaker and m may be nil.
func NewClient(cfg config.PSPConfig, currencies []string, breaker *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	api := &stripeclient.API{}
	api.Init(cfg.SecretKey, nil)
	if breaker == nil {
		breaker = circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	}
	supported := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		supported[strings.ToLower(c)] = true
	}
	return &Client{
		cfg:        cfg,
		api:        api,
		currencies: supported,
		breaker:    breaker,
		metrics:    m,
	}
}

// CreateIntentRequest captures everything needed to open a payment intent for
// a checkout.
type CreateIntentRequest struct {
	CheckoutID       string
	PMSReservationID string
	Amount           int64
	Currency         string
	CustomerEmail    string
	Description      string
}

// Intent is the subset of a payment intent the checkout flow needs.
//
// ClientSecret is handed to the shopper so their browser can confirm the
// payment. It must never be written to storage; only the intent id is
// persisted on the checkout.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
	Currency     string
}

// Refund is the subset of a refund the checkout flow needs.
type Refund struct {
	ID     string
	Status string
	Amount int64
}

// CreatePaymentIntent opens a payment intent for the given amount. The call
// carries a PSP-side idempotency key derived from the checkout id, so a
// retried request returns the same intent instead of opening a second one.
func (c *Client) CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, apperrors.E(apperrors.CodeValidation, "psp: amount must be positive")
	}
	currency := strings.ToLower(req.Currency)
	if len(c.currencies) > 0 && !c.currencies[currency] {
		return Intent{}, apperrors.Ef(apperrors.CodeUnsupportedCurrency, "psp: currency %q is not supported", req.Currency)
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:             stripeapi.Int64(req.Amount),
		Currency:           stripeapi.String(currency),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
	}
	params.Metadata = map[string]string{
		MetadataCheckoutID:    req.CheckoutID,
		MetadataReservationID: req.PMSReservationID,
	}
	params.SetIdempotencyKey("pi:" + req.CheckoutID)
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripeapi.String(req.CustomerEmail)
	}
	if req.Description != "" {
		params.Description = stripeapi.String(req.Description)
	}

	res, err := c.call("create_payment_intent", func() (interface{}, error) {
		return c.api.PaymentIntents.New(params)
	})
	if err != nil {
		return Intent{}, err
	}
	return toIntent(res.(*stripeapi.PaymentIntent)), nil
}

// RetrievePaymentIntent fetches the current state of an intent.
func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (Intent, error) {
	res, err := c.call("retrieve_payment_intent", func() (interface{}, error) {
		return c.api.PaymentIntents.Get(id, nil)
	})
	if err != nil {
		return Intent{}, err
	}
	return toIntent(res.(*stripeapi.PaymentIntent)), nil
}

// CreateRefund refunds the full remaining amount of a payment intent. The
// idempotency key ties the refund to the intent, so repeated calls return the
// same refund.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID, reason string) (Refund, error) {
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(paymentIntentID),
	}
	if reason != "" {
		params.Reason = stripeapi.String(reason)
	}
	params.SetIdempotencyKey("refund:" + paymentIntentID)

	res, err := c.call("create_refund", func() (interface{}, error) {
		return c.api.Refunds.New(params)
	})
	if err != nil {
		return Refund{}, err
	}
	r := res.(*stripeapi.Refund)
	return Refund{ID: r.ID, Status: string(r.Status), Amount: r.Amount}, nil
}

// Event is a verified, normalised webhook event. FailureMessage is only set
// on payment_intent.payment_failed, carrying the processor's decline reason.
type Event struct {
	ID              string
	Type            string
	PaymentIntentID string
	CheckoutID      string
	Amount          int64
	Currency        string
	FailureMessage  string
}

// VerifyWebhook checks the signature over the raw payload and normalises the
// event. The payload must be the exact bytes received; re-serialising the
// body invalidates the signature.
func (c *Client) VerifyWebhook(payload []byte, signature string) (Event, error) {
	if c.cfg.WebhookSecret == "" {
		return Event{}, apperrors.E(apperrors.CodeInternal, "psp: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return Event{}, apperrors.Wrap(apperrors.CodePSPSignature, "psp: webhook signature verification failed", err)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripeapi.PaymentIntent
		if err := decodeEventObject(event.Data.Raw, &intent); err != nil {
			return Event{}, err
		}
		e := Event{
			ID:              event.ID,
			Type:            event.Type,
			PaymentIntentID: intent.ID,
			CheckoutID:      intent.Metadata[MetadataCheckoutID],
			Amount:          intent.Amount,
			Currency:        string(intent.Currency),
		}
		if intent.LastPaymentError != nil {
			e.FailureMessage = intent.LastPaymentError.Msg
		}
		return e, nil
	case "charge.refunded":
		var charge stripeapi.Charge
		if err := decodeEventObject(event.Data.Raw, &charge); err != nil {
			return Event{}, err
		}
		e := Event{
			ID:       event.ID,
			Type:     event.Type,
			Amount:   charge.AmountRefunded,
			Currency: string(charge.Currency),
		}
		if charge.PaymentIntent != nil {
			e.PaymentIntentID = charge.PaymentIntent.ID
		}
		return e, nil
	default:
		return Event{ID: event.ID, Type: event.Type}, nil
	}
}

func toIntent(pi *stripeapi.PaymentIntent) Intent {
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}
}

// clientRejection carries a client-side PSP error through the circuit breaker
// as a success, so declined cards and bad requests cannot trip it.
type clientRejection struct {
	err error
}

// call executes a stripe operation through the circuit breaker and records
// its outcome. Only transport failures, rate limits, and PSP 5xx responses
// count against the breaker.
func (c *Client) call(op string, fn func() (interface{}, error)) (interface{}, error) {
	started := time.Now()
	res, err := c.breaker.Execute(circuitbreaker.ServicePSP, func() (interface{}, error) {
		v, err := fn()
		if err != nil && !isServerSide(err) {
			return clientRejection{err: err}, nil
		}
		return v, err
	})
	var classified error
	if err != nil {
		classified = classifyStripeErr(op, err)
	} else if rejection, ok := res.(clientRejection); ok {
		classified = classifyStripeErr(op, rejection.err)
	}
	c.observe(op, classified, started)
	if classified != nil {
		return nil, classified
	}
	return res, nil
}

func isServerSide(err error) bool {
	var stripeErr *stripeapi.Error
	if !errors.As(err, &stripeErr) {
		return true // transport failure
	}
	status := stripeErr.HTTPStatusCode
	return status == 0 || status == 429 || status >= 500
}

func classifyStripeErr(op string, err error) error {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		message := stripeErr.Msg
		if message == "" {
			message = "request failed"
		}
		return apperrors.Ef(apperrors.CodePSPError, "psp: %s: %s", op, message).
			WithUpstreamStatus(stripeErr.HTTPStatusCode).
			WithDetail("pspCode", string(stripeErr.Code))
	}
	return apperrors.Wrap(apperrors.CodePSPError, "psp: "+op+" failed", err)
}

func decodeEventObject(data []byte, v interface{}) error {
	if len(data) == 0 {
		return apperrors.E(apperrors.CodePSPError, "psp: webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(apperrors.CodePSPError, "psp: decode webhook payload", err)
	}
	return nil
}

func (c *Client) observe(operation string, err error, started time.Time) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(apperrors.CodeOf(err)))
	}
	c.metrics.ObserveUpstreamRequest(string(circuitbreaker.ServicePSP), operation, outcome, time.Since(started))
}
