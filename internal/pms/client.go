// Package pms talks to the property management system's REST API.
//
// The client splits traffic into two lanes with different failure policies.
// Reads (listing detail, pricing, calendar, reservation lookup) use a short
// per-attempt deadline and retry with backoff, because repeating them is
// harmless. Transactional writes (create, update, cancel, register payment)
// get one attempt with a long deadline and are never retried here: a timed
// out write may have landed, and only the caller knows how to reconcile that.
package pms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CoveStays/checkout/internal/cacheutil"
	"github.com/CoveStays/checkout/internal/circuitbreaker"
	"github.com/CoveStays/checkout/internal/config"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/httputil"
	"github.com/CoveStays/checkout/internal/logger"
	"github.com/CoveStays/checkout/internal/metrics"
)

// maxResponseBytes caps how much of a PMS response body is read.
const maxResponseBytes = 1 << 20

// Client is an HTTP client for the PMS API.
type Client struct {
	cfg config.PMSConfig

	readClient  *http.Client
	writeClient *http.Client
	breaker     *circuitbreaker.Manager
	metrics     *metrics.Metrics

	cacheMu      sync.RWMutex
	listingCache map[string]cacheutil.CachedValue[Listing]
}

// NewClient creates a PMS client. breaker may be nil, in which case calls are
// not circuit broken. m may be nil to disable instrumentation.
func NewClient(cfg config.PMSConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	if breaker == nil {
		breaker = circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	}
	return &Client{
		cfg:          cfg,
		readClient:   httputil.NewClient(cfg.ReadTimeout.Duration),
		writeClient:  httputil.NewClient(cfg.WriteTimeout.Duration),
		breaker:      breaker,
		metrics:      m,
		listingCache: make(map[string]cacheutil.CachedValue[Listing]),
	}
}

// SearchListings fetches active listings, optionally filtered by stay dates
// and party size.
func (c *Client) SearchListings(ctx context.Context, req SearchRequest) ([]Listing, error) {
	query := url.Values{}
	if req.CheckIn != "" {
		query.Set("checkIn", req.CheckIn)
	}
	if req.CheckOut != "" {
		query.Set("checkOut", req.CheckOut)
	}
	if req.Guests > 0 {
		query.Set("guests", strconv.Itoa(req.Guests))
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	var listings []Listing
	if err := c.read(ctx, "search_listings", http.MethodGet, "/listings", query, nil, &listings); err != nil {
		return nil, err
	}
	return listings, nil
}

// GetListing fetches one listing, serving from the read-through cache when the
// cached copy is younger than ListingCacheTTL. A TTL of zero disables caching.
func (c *Client) GetListing(ctx context.Context, listingID string) (Listing, error) {
	ttl := c.cfg.ListingCacheTTL.Duration
	if ttl <= 0 {
		return c.fetchListing(ctx, listingID)
	}
	return cacheutil.ReadThrough(
		&c.cacheMu,
		func(now time.Time) (Listing, bool) {
			if entry, ok := c.listingCache[listingID]; ok && entry.Fresh(now, ttl) {
				return entry.Value, true
			}
			return Listing{}, false
		},
		func(now time.Time) (Listing, error) {
			listing, err := c.fetchListing(ctx, listingID)
			if err != nil {
				return Listing{}, err
			}
			c.listingCache[listingID] = cacheutil.CachedValue[Listing]{Value: listing, FetchedAt: now}
			return listing, nil
		},
	)
}

func (c *Client) fetchListing(ctx context.Context, listingID string) (Listing, error) {
	var listing Listing
	path := "/listings/" + url.PathEscape(listingID)
	if err := c.read(ctx, "get_listing", http.MethodGet, path, nil, nil, &listing); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// CalculatePrice asks the PMS to price a stay. The call is a query despite the
// POST verb, so it follows the read policy and may be retried.
func (c *Client) CalculatePrice(ctx context.Context, listingID string, req PriceRequest) (PriceQuote, error) {
	var quote PriceQuote
	path := "/listings/" + url.PathEscape(listingID) + "/price"
	if err := c.read(ctx, "calculate_price", http.MethodPost, path, nil, req, &quote); err != nil {
		return PriceQuote{}, err
	}
	return quote, nil
}

// GetCalendar fetches a listing's availability between from and to (YYYY-MM-DD,
// inclusive).
func (c *Client) GetCalendar(ctx context.Context, listingID, from, to string) ([]CalendarDay, error) {
	var days []CalendarDay
	path := "/listings/" + url.PathEscape(listingID) + "/calendar"
	query := url.Values{}
	query.Set("from", from)
	query.Set("to", to)
	if err := c.read(ctx, "get_calendar", http.MethodGet, path, query, nil, &days); err != nil {
		return nil, err
	}
	return days, nil
}

// GetReservation fetches the PMS view of a reservation.
func (c *Client) GetReservation(ctx context.Context, reservationID string) (Reservation, error) {
	var reservation Reservation
	path := "/reservations/" + url.PathEscape(reservationID)
	if err := c.read(ctx, "get_reservation", http.MethodGet, path, nil, nil, &reservation); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// CreateReservation creates a reservation. Single attempt: on timeout the
// reservation may exist on the PMS side, and the caller must not blindly
// create another.
func (c *Client) CreateReservation(ctx context.Context, req ReservationRequest) (Reservation, error) {
	var reservation Reservation
	if err := c.write(ctx, "create_reservation", http.MethodPost, "/reservations", req, &reservation); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// UpdateReservation changes a reservation's lifecycle type.
func (c *Client) UpdateReservation(ctx context.Context, reservationID string, patch ReservationPatch) (Reservation, error) {
	var reservation Reservation
	path := "/reservations/" + url.PathEscape(reservationID)
	if err := c.write(ctx, "update_reservation", http.MethodPatch, path, patch, &reservation); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// CancelReservation cancels a reservation. Callers releasing a hold should
// treat a NOT_FOUND result as success, since the reservation may already be
// gone on the PMS side.
func (c *Client) CancelReservation(ctx context.Context, reservationID string) error {
	path := "/reservations/" + url.PathEscape(reservationID) + "/cancel"
	return c.write(ctx, "cancel_reservation", http.MethodPost, path, nil, nil)
}

// RegisterPayment records a settled payment against a reservation.
func (c *Client) RegisterPayment(ctx context.Context, reservationID string, rec PaymentRecord) error {
	path := "/reservations/" + url.PathEscape(reservationID) + "/payments"
	return c.write(ctx, "register_payment", http.MethodPost, path, rec, nil)
}

// read performs a read-lane request: short per-attempt deadline, retried with
// exponential backoff while the failure is retryable.
func (c *Client) read(ctx context.Context, op, method, path string, query url.Values, in, out interface{}) error {
	log := logger.FromContext(ctx)
	wait := c.cfg.RetryInterval.Duration
	var lastErr error
	for attempt := 0; attempt <= c.cfg.ReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				// The caller gave up mid-backoff. Surface the classified
				// failure from the last attempt rather than a bare ctx error.
				return lastErr
			case <-time.After(wait):
			}
			wait = time.Duration(float64(wait) * c.cfg.RetryMultiplier)
			log.Debug().Str("operation", op).Int("attempt", attempt).Msg("pms.retry")
		}
		body, err := c.attempt(ctx, c.readClient, c.cfg.ReadTimeout.Duration, op, method, path, query, in)
		if err == nil {
			return decodeBody(op, body, out)
		}
		lastErr = err
		if !apperrors.CodeOf(err).Retryable() {
			return err
		}
	}
	return lastErr
}

// write performs a transactional request: one attempt, long deadline, no
// retries.
func (c *Client) write(ctx context.Context, op, method, path string, in, out interface{}) error {
	body, err := c.attempt(ctx, c.writeClient, c.cfg.WriteTimeout.Duration, op, method, path, nil, in)
	if err != nil {
		return err
	}
	return decodeBody(op, body, out)
}

// statusError carries a 5xx response through the circuit breaker, which only
// sees errors for transport failures, timeouts, and server errors. 4xx
// responses pass through as successes so client mistakes cannot trip it.
type statusError struct {
	status int
	body   []byte
}

func (e *statusError) Error() string {
	return "pms returned status " + http.StatusText(e.status)
}

type pmsResult struct {
	status int
	body   []byte
}

// attempt performs one request and classifies the outcome into the error
// taxonomy: NOT_FOUND for 404, PMS_CLIENT_ERROR for other 4xx (carrying the
// upstream status), PMS_SERVER_ERROR for 5xx and transport failures,
// PMS_TIMEOUT for deadline expiry.
func (c *Client) attempt(ctx context.Context, client *http.Client, timeout time.Duration, op, method, path string, query url.Values, in interface{}) ([]byte, error) {
	started := time.Now()
	status, body, err := c.roundTrip(ctx, client, timeout, method, path, query, in)
	classified := classify(op, status, body, err)
	c.observe(op, classified, started)
	if classified != nil {
		return nil, classified
	}
	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, client *http.Client, timeout time.Duration, method, path string, query url.Values, in interface{}) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return 0, nil, apperrors.Wrap(apperrors.CodeInternal, "pms: encode request", err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, payload)
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.CodeInternal, "pms: build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.breaker.Execute(circuitbreaker.ServicePMS, func() (interface{}, error) {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &statusError{status: resp.StatusCode, body: body}
		}
		return pmsResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return 0, nil, err
	}
	result := res.(pmsResult)
	return result.status, result.body, nil
}

// classify maps a raw outcome onto the error taxonomy. A nil return means the
// request succeeded with a 2xx status.
func classify(op string, status int, body []byte, err error) error {
	if err != nil {
		var se *statusError
		switch {
		case errors.As(err, &se):
			return apperrors.Ef(apperrors.CodePMSServerError, "pms: %s failed upstream", op).
				WithUpstreamStatus(se.status)
		case isTimeout(err):
			return apperrors.Wrap(apperrors.CodePMSTimeout, "pms: "+op+" timed out", err)
		default:
			return apperrors.Wrap(apperrors.CodePMSServerError, "pms: "+op+" failed", err)
		}
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return apperrors.Ef(apperrors.CodeNotFound, "pms: %s: not found", op).
			WithUpstreamStatus(status)
	default:
		message := upstreamMessage(body)
		if message == "" {
			message = "request rejected"
		}
		return apperrors.Ef(apperrors.CodePMSClientError, "pms: %s: %s", op, message).
			WithUpstreamStatus(status)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func decodeBody(op string, body []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrap(apperrors.CodePMSServerError, "pms: "+op+": invalid response", err)
	}
	return nil
}

// upstreamMessage pulls a human-readable message out of a PMS error body.
func upstreamMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	return parsed.Error
}

func (c *Client) observe(operation string, err error, started time.Time) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(apperrors.CodeOf(err)))
	}
	c.metrics.ObserveUpstreamRequest(string(circuitbreaker.ServicePMS), operation, outcome, time.Since(started))
}
