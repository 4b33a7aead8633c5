package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/CoveStays/checkout/internal/checkout"
	"github.com/CoveStays/checkout/internal/config"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/expiry"
	"github.com/CoveStays/checkout/internal/idempotency"
	"github.com/CoveStays/checkout/internal/pms"
	"github.com/CoveStays/checkout/internal/psp"
	"github.com/CoveStays/checkout/internal/store"
)

const (
	testClientSecret = "cs_test_4eC39HqLyjWDarjtT1zdp7dc"
	testWebhookKey   = "whsec_router_tests"
	testJobToken     = "job-token"
)

// fakePMS implements checkout.PropertySystem against fixed fixtures, with
// injectable failures and call accounting for the assertions the handler
// tests need.
type fakePMS struct {
	mu sync.Mutex

	listing     pms.Listing
	quote       pms.PriceQuote
	bookingCode string

	updateErr error
	cancelErr error

	createCalls   int
	updateCalls   int
	registerCalls int
	cancelCalls   int

	canceled []string
}

func newFakePMS() *fakePMS {
	return &fakePMS{
		listing: pms.Listing{ID: "L1", Name: "Sea Cliff Cottage", Currency: "usd", MaxGuests: 4},
		quote: pms.PriceQuote{
			Total:       120000,
			Currency:    "usd",
			Subtotal:    100000,
			CleaningFee: 10000,
			ServiceFee:  5000,
			Taxes:       5000,
		},
		bookingCode: "B42",
	}
}

func (f *fakePMS) GetListing(_ context.Context, listingID string) (pms.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	listing := f.listing
	listing.ID = listingID
	return listing, nil
}

func (f *fakePMS) CalculatePrice(_ context.Context, _ string, _ pms.PriceRequest) (pms.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quote, nil
}

func (f *fakePMS) CreateReservation(_ context.Context, req pms.ReservationRequest) (pms.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return pms.Reservation{
		ID:        "R1",
		Status:    req.Type,
		ListingID: req.ListingID,
		CheckIn:   req.CheckIn,
		CheckOut:  req.CheckOut,
	}, nil
}

func (f *fakePMS) UpdateReservation(_ context.Context, reservationID string, patch pms.ReservationPatch) (pms.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return pms.Reservation{}, f.updateErr
	}
	f.updateCalls++
	return pms.Reservation{ID: reservationID, Status: patch.Type}, nil
}

func (f *fakePMS) CancelReservation(_ context.Context, reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelCalls++
	f.canceled = append(f.canceled, reservationID)
	return nil
}

func (f *fakePMS) GetReservation(_ context.Context, reservationID string) (pms.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pms.Reservation{ID: reservationID, Status: "booked", BookingCode: f.bookingCode}, nil
}

func (f *fakePMS) RegisterPayment(_ context.Context, _ string, _ pms.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	return nil
}

// fakePSP implements checkout.PaymentProcessor.
type fakePSP struct {
	mu sync.Mutex

	createCalls int
	refundCalls int
}

func (f *fakePSP) CreatePaymentIntent(_ context.Context, req psp.CreateIntentRequest) (psp.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return psp.Intent{
		ID:           "pi_1",
		ClientSecret: testClientSecret,
		Status:       "requires_payment_method",
		Amount:       req.Amount,
		Currency:     req.Currency,
	}, nil
}

func (f *fakePSP) RetrievePaymentIntent(_ context.Context, id string) (psp.Intent, error) {
	return psp.Intent{ID: id, ClientSecret: testClientSecret, Status: "requires_payment_method"}, nil
}

func (f *fakePSP) CreateRefund(_ context.Context, _, _ string) (psp.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	return psp.Refund{ID: "re_1", Status: "succeeded"}, nil
}

// serverEnv runs the real router over the memory gateway: real orchestrator,
// real idempotency and webhook plumbing, fakes only at the PMS/PSP edges.
type serverEnv struct {
	router    *chi.Mux
	cfg       *config.Config
	gw        *store.MemoryGateway
	svc       *checkout.Service
	pspClient *psp.Client
	engine    *expiry.Engine
	deduper   *idempotency.Deduper
	pms       *fakePMS
	psp       *fakePSP
}

func newServerEnv(t *testing.T, mutateCfg ...func(*config.Config)) *serverEnv {
	t.Helper()

	cfg := &config.Config{
		PSP: config.PSPConfig{
			SecretKey:     "sk_test_key",
			WebhookSecret: testWebhookKey,
			Mode:          "test",
		},
		Checkout: config.CheckoutConfig{
			Currency:        "usd",
			HoldTTL:         config.Duration{Duration: 15 * time.Minute},
			QuoteTTL:        config.Duration{Duration: 30 * time.Minute},
			IdempotencyTTL:  config.Duration{Duration: 24 * time.Hour},
			WebhookDedupTTL: config.Duration{Duration: 168 * time.Hour},
			FinalizeMaxWait: config.Duration{Duration: time.Millisecond},
		},
	}
	for _, fn := range mutateCfg {
		fn(cfg)
	}

	gw := store.NewMemoryGateway()
	machine := checkout.NewMachine(gw, nil)
	fpms := newFakePMS()
	fpsp := &fakePSP{}
	svc := checkout.NewService(cfg.Checkout, gw, machine, fpms, fpsp, nil)
	pspClient := psp.NewClient(cfg.PSP, []string{cfg.Checkout.Currency}, nil, nil)
	engine := expiry.NewEngine(gw, machine, fpms, cfg.Jobs, nil, zerolog.Nop())
	deduper := idempotency.NewDeduper(gw, cfg.Checkout.WebhookDedupTTL.Duration)

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, svc, pspClient, engine, gw, deduper, nil, zerolog.Nop())

	return &serverEnv{
		router:    router,
		cfg:       cfg,
		gw:        gw,
		svc:       svc,
		pspClient: pspClient,
		engine:    engine,
		deduper:   deduper,
		pms:       fpms,
		psp:       fpsp,
	}
}

func withJobToken(cfg *config.Config) {
	cfg.Jobs.AuthToken = testJobToken
}

func jobAuth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testJobToken}
}

// do runs one request through the full middleware stack.
func (e *serverEnv) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("response is not JSON: %v\nbody: %s", err, rec.Body.String())
	}
}

// wantError asserts the standard error body and returns it for further checks.
func wantError(t *testing.T, rec *httptest.ResponseRecorder, status int, code apperrors.Code) apperrors.ErrorResponse {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, status, rec.Body.String())
	}
	var resp apperrors.ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Code != code {
		t.Errorf("error code = %s, want %s", resp.Code, code)
	}
	if resp.Retryable != code.Retryable() {
		t.Errorf("retryable = %v, want %v", resp.Retryable, code.Retryable())
	}
	return resp
}

func stayDates(fromDays, nights int) (string, string) {
	in := time.Now().UTC().AddDate(0, 0, fromDays)
	return in.Format("2006-01-02"), in.AddDate(0, 0, nights).Format("2006-01-02")
}

func testGuest() store.Guest {
	return store.Guest{FirstName: "Ana", LastName: "Reyes", Email: "ana@x.com"}
}

// Seed helpers drive the checkout to a given state through the service so
// each HTTP test exercises only the operation under test.

func (e *serverEnv) initialized(t *testing.T) store.Checkout {
	t.Helper()
	in, out := stayDates(10, 3)
	c, err := e.svc.Initialize(context.Background(), checkout.InitializeRequest{
		ListingID: "L1",
		CheckIn:   in,
		CheckOut:  out,
		Guests:    store.Guests{Adults: 2, Children: 1},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return c
}

func (e *serverEnv) withGuest(t *testing.T) store.Checkout {
	t.Helper()
	c := e.initialized(t)
	c, err := e.svc.UpdateGuest(context.Background(), c.ID, testGuest())
	if err != nil {
		t.Fatalf("UpdateGuest failed: %v", err)
	}
	return c
}

func (e *serverEnv) held(t *testing.T) store.Checkout {
	t.Helper()
	c := e.withGuest(t)
	c, err := e.svc.CreateHold(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}
	return c
}

func (e *serverEnv) paymentCreated(t *testing.T) store.Checkout {
	t.Helper()
	c := e.held(t)
	c, _, err := e.svc.CreatePaymentIntent(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	return c
}

func TestRouteNotFound(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(http.MethodGet, "/nope", "", nil)
	wantError(t, rec, http.StatusNotFound, apperrors.CodeNotFound)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(http.MethodDelete, "/checkout/initialize", "", nil)
	wantError(t, rec, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed)
}

func TestEveryResponseCarriesSecurityHeaders(t *testing.T) {
	env := newServerEnv(t)

	// A routed response and a middleware rejection both pass through the
	// header middleware.
	for _, target := range []string{"/healthz", "/nope"} {
		rec := env.do(http.MethodGet, target, "", nil)
		if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
			t.Errorf("%s: X-Content-Type-Options = %q", target, got)
		}
		if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
			t.Errorf("%s: X-Frame-Options = %q", target, got)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s: X-Request-ID missing", target)
		}
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req_given"})
	if got := rec.Header().Get("X-Request-ID"); got != "req_given" {
		t.Errorf("X-Request-ID = %q, want the caller's id echoed", got)
	}
}

func TestHealth(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Status       string `json:"status"`
		StoreHealthy bool   `json:"storeHealthy"`
		Uptime       string `json:"uptime"`
		Version      struct {
			Version string `json:"version"`
		} `json:"version"`
	}
	decodeInto(t, rec, &body)
	if body.Status != "ok" || !body.StoreHealthy {
		t.Errorf("status = %q storeHealthy = %v, want ok/true", body.Status, body.StoreHealthy)
	}
	if body.Uptime == "" {
		t.Error("uptime missing")
	}
	if body.Version.Version == "" {
		t.Error("version missing")
	}
}

// downGateway fails health pings while delegating everything else.
type downGateway struct {
	store.Gateway
}

func (downGateway) Ping(context.Context) error {
	return errors.New("store down")
}

func TestHealthDegradedWhenStoreUnreachable(t *testing.T) {
	env := newServerEnv(t)

	router := chi.NewRouter()
	ConfigureRouter(router, env.cfg, env.svc, env.pspClient, env.engine,
		downGateway{env.gw}, env.deduper, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status       string `json:"status"`
		StoreHealthy bool   `json:"storeHealthy"`
	}
	decodeInto(t, rec, &body)
	if body.Status != "degraded" || body.StoreHealthy {
		t.Errorf("status = %q storeHealthy = %v, want degraded/false", body.Status, body.StoreHealthy)
	}
}

func TestRoutePrefix(t *testing.T) {
	env := newServerEnv(t, func(cfg *config.Config) {
		cfg.Server.RoutePrefix = "/api"
	})

	rec := env.do(http.MethodGet, "/api/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prefixed health status = %d", rec.Code)
	}
	var body map[string]interface{}
	decodeInto(t, rec, &body)
	if body["routePrefix"] != "/api" {
		t.Errorf("routePrefix = %v, want /api", body["routePrefix"])
	}

	// The unprefixed path no longer exists.
	rec = env.do(http.MethodGet, "/healthz", "", nil)
	wantError(t, rec, http.StatusNotFound, apperrors.CodeNotFound)
}

func TestMetricsOpenWithoutToken(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsGuardedByJobToken(t *testing.T) {
	env := newServerEnv(t, withJobToken)

	rec := env.do(http.MethodGet, "/metrics", "", nil)
	wantError(t, rec, http.StatusUnauthorized, apperrors.CodeUnauthorized)

	rec = env.do(http.MethodGet, "/metrics", "", jobAuth())
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized status = %d, want 200", rec.Code)
	}
}

func TestJobsDisabledWithoutToken(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(http.MethodPost, "/jobs/expire-holds", "", nil)
	wantError(t, rec, http.StatusServiceUnavailable, apperrors.CodeUnavailable)
}

func TestJobsRejectWrongToken(t *testing.T) {
	env := newServerEnv(t, withJobToken)
	rec := env.do(http.MethodPost, "/jobs/expire-holds", "", map[string]string{"Authorization": "Bearer wrong"})
	wantError(t, rec, http.StatusUnauthorized, apperrors.CodeUnauthorized)
}

func TestExpireHoldsJob(t *testing.T) {
	env := newServerEnv(t, withJobToken)
	c := env.held(t)

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := env.gw.MutateCheckout(context.Background(), c.ID, func(c *store.Checkout) error {
		c.HoldExpiresAt = &past
		return nil
	}); err != nil {
		t.Fatalf("backdating hold failed: %v", err)
	}

	rec := env.do(http.MethodPost, "/jobs/expire-holds", "", jobAuth())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res expiry.Result
	decodeInto(t, rec, &res)
	if res.ExpiredCount != 1 || res.ErrorCount != 0 {
		t.Errorf("sweep result = %+v, want 1 expired, 0 errors", res)
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StateExpired {
		t.Errorf("state = %s, want EXPIRED", stored.State)
	}
	if env.pms.cancelCalls != 1 || env.pms.canceled[0] != "R1" {
		t.Errorf("PMS cancels = %d %v, want R1 released once", env.pms.cancelCalls, env.pms.canceled)
	}
}

func TestExpireHoldsJobNoWork(t *testing.T) {
	env := newServerEnv(t, withJobToken)
	env.held(t) // live hold, not overdue

	rec := env.do(http.MethodPost, "/jobs/expire-holds", "", jobAuth())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res expiry.Result
	decodeInto(t, rec, &res)
	if res.ExpiredCount != 0 || res.ErrorCount != 0 {
		t.Errorf("sweep result = %+v, want all zero", res)
	}
}

func TestPurgeRecordsJob(t *testing.T) {
	env := newServerEnv(t, withJobToken)
	old := time.Now().UTC().Add(-time.Hour)

	if _, _, err := env.gw.ClaimIdempotencyKey(context.Background(), store.IdempotencyRecord{
		ID:        "dead-key",
		CreatedAt: old,
		ExpiresAt: old,
	}); err != nil {
		t.Fatalf("seeding idempotency record failed: %v", err)
	}
	if err := env.gw.MarkWebhookProcessed(context.Background(), store.WebhookEventRecord{
		ID:          "evt_dead",
		EventType:   "payment_intent.succeeded",
		ProcessedAt: old,
		ExpiresAt:   old,
	}); err != nil {
		t.Fatalf("seeding webhook record failed: %v", err)
	}

	rec := env.do(http.MethodPost, "/jobs/purge-records", "", jobAuth())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res expiry.PurgeResult
	decodeInto(t, rec, &res)
	if res.IdempotencyKeys != 1 || res.WebhookEvents != 1 {
		t.Errorf("purge result = %+v, want 1/1", res)
	}
}
