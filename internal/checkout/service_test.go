package checkout

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CoveStays/checkout/internal/config"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/pms"
	"github.com/CoveStays/checkout/internal/psp"
	"github.com/CoveStays/checkout/internal/store"
)

// fakePMS implements PropertySystem with injectable failures and call
// accounting.
type fakePMS struct {
	mu sync.Mutex

	listing     pms.Listing
	quote       pms.PriceQuote
	bookingCode string

	listingErr  error
	priceErr    error
	createErr   error
	updateErr   error
	registerErr error
	cancelErr   error
	getErr      error

	createCalls   int
	updateCalls   int
	registerCalls int
	cancelCalls   int

	canceled     []string
	lastCreate   pms.ReservationRequest
	lastRegister pms.PaymentRecord
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
	if f.listingErr != nil {
		return pms.Listing{}, f.listingErr
	}
	listing := f.listing
	listing.ID = listingID
	return listing, nil
}

func (f *fakePMS) CalculatePrice(_ context.Context, _ string, _ pms.PriceRequest) (pms.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return pms.PriceQuote{}, f.priceErr
	}
	return f.quote, nil
}

func (f *fakePMS) CreateReservation(_ context.Context, req pms.ReservationRequest) (pms.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return pms.Reservation{}, f.createErr
	}
	f.createCalls++
	f.lastCreate = req
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
	if f.getErr != nil {
		return pms.Reservation{}, f.getErr
	}
	return pms.Reservation{ID: reservationID, Status: "booked", BookingCode: f.bookingCode}, nil
}

func (f *fakePMS) RegisterPayment(_ context.Context, _ string, rec pms.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registerCalls++
	f.lastRegister = rec
	return nil
}

// fakePSP implements PaymentProcessor.
type fakePSP struct {
	mu sync.Mutex

	createErr   error
	retrieveErr error
	refundErr   error

	createCalls   int
	retrieveCalls int
	refundCalls   int

	lastCreate   psp.CreateIntentRequest
	lastRefunded string
}

const testClientSecret = "cs_test_4eC39HqLyjWDarjtT1zdp7dc"

func (f *fakePSP) CreatePaymentIntent(_ context.Context, req psp.CreateIntentRequest) (psp.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return psp.Intent{}, f.createErr
	}
	f.createCalls++
	f.lastCreate = req
	return psp.Intent{
		ID:           "pi_1",
		ClientSecret: testClientSecret,
		Status:       "requires_payment_method",
		Amount:       req.Amount,
		Currency:     req.Currency,
	}, nil
}

func (f *fakePSP) RetrievePaymentIntent(_ context.Context, id string) (psp.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retrieveErr != nil {
		return psp.Intent{}, f.retrieveErr
	}
	f.retrieveCalls++
	return psp.Intent{ID: id, ClientSecret: testClientSecret, Status: "requires_payment_method"}, nil
}

func (f *fakePSP) CreateRefund(_ context.Context, paymentIntentID, _ string) (psp.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return psp.Refund{}, f.refundErr
	}
	f.refundCalls++
	f.lastRefunded = paymentIntentID
	return psp.Refund{ID: "re_1", Status: "succeeded"}, nil
}

type testEnv struct {
	svc     *Service
	gw      *store.MemoryGateway
	machine *Machine
	pms     *fakePMS
	psp     *fakePSP
}

func newTestEnv(mutateCfg ...func(*config.CheckoutConfig)) *testEnv {
	cfg := config.CheckoutConfig{
		Currency:        "usd",
		HoldTTL:         config.Duration{Duration: 15 * time.Minute},
		QuoteTTL:        config.Duration{Duration: 30 * time.Minute},
		FinalizeMaxWait: config.Duration{Duration: 30 * time.Second},
	}
	for _, fn := range mutateCfg {
		fn(&cfg)
	}
	gw := store.NewMemoryGateway()
	machine := NewMachine(gw, nil)
	fpms := newFakePMS()
	fpsp := &fakePSP{}
	return &testEnv{
		svc:     NewService(cfg, gw, machine, fpms, fpsp, nil),
		gw:      gw,
		machine: machine,
		pms:     fpms,
		psp:     fpsp,
	}
}

func stayDates(fromDays, nights int) (string, string) {
	in := time.Now().UTC().AddDate(0, 0, fromDays)
	return in.Format("2006-01-02"), in.AddDate(0, 0, nights).Format("2006-01-02")
}

func testGuest() store.Guest {
	return store.Guest{FirstName: "Ana", LastName: "Reyes", Email: "ana@x.com"}
}

func (e *testEnv) initialized(t *testing.T) store.Checkout {
	t.Helper()
	in, out := stayDates(10, 3)
	c, err := e.svc.Initialize(context.Background(), InitializeRequest{
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

func (e *testEnv) withGuest(t *testing.T) store.Checkout {
	t.Helper()
	c := e.initialized(t)
	c, err := e.svc.UpdateGuest(context.Background(), c.ID, testGuest())
	if err != nil {
		t.Fatalf("UpdateGuest failed: %v", err)
	}
	return c
}

func (e *testEnv) held(t *testing.T) store.Checkout {
	t.Helper()
	c := e.withGuest(t)
	c, err := e.svc.CreateHold(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}
	return c
}

func (e *testEnv) paymentCreated(t *testing.T) store.Checkout {
	t.Helper()
	c := e.held(t)
	c, _, err := e.svc.CreatePaymentIntent(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	return c
}

func TestInitialize(t *testing.T) {
	env := newTestEnv()
	in, out := stayDates(10, 3)

	c, err := env.svc.Initialize(context.Background(), InitializeRequest{
		ListingID:  "L1",
		CheckIn:    in,
		CheckOut:   out,
		Guests:     store.Guests{Adults: 2, Children: 1},
		CouponCode: "SPRING",
		Metadata:   map[string]string{"channel": "web"},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if c.State != store.StateInitiated {
		t.Errorf("state = %s, want INITIATED", c.State)
	}
	if c.ID == "" {
		t.Error("checkout id not assigned")
	}
	if c.ListingName != "Sea Cliff Cottage" {
		t.Errorf("listingName = %q", c.ListingName)
	}
	if c.Quote == nil {
		t.Fatal("quote not locked")
	}
	if c.Quote.Total != 120000 || c.Quote.Currency != "usd" {
		t.Errorf("quote = %d %s, want 120000 usd", c.Quote.Total, c.Quote.Currency)
	}
	if c.Quote.Breakdown.Subtotal != 100000 || c.Quote.Breakdown.Taxes != 5000 {
		t.Errorf("breakdown = %+v", c.Quote.Breakdown)
	}
	if want := QuoteHash("L1", in, out, c.Guests, "SPRING"); c.Quote.Hash != want {
		t.Errorf("quote hash = %s, want %s", c.Quote.Hash, want)
	}
	wantExpiry := time.Now().UTC().Add(30 * time.Minute)
	if d := c.Quote.ExpiresAt.Sub(wantExpiry); d < -5*time.Second || d > 5*time.Second {
		t.Errorf("quote expiresAt = %v, want about %v", c.Quote.ExpiresAt, wantExpiry)
	}
	if len(c.StateHistory) != 1 || c.StateHistory[0].Reason != "initialized" {
		t.Errorf("history seed = %+v", c.StateHistory)
	}
	if c.Metadata["channel"] != "web" {
		t.Errorf("metadata not carried: %v", c.Metadata)
	}

	stored, err := env.gw.GetCheckout(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("checkout not persisted: %v", err)
	}
	if stored.Quote.Hash != c.Quote.Hash {
		t.Error("persisted quote differs from returned quote")
	}
}

func TestInitializeValidation(t *testing.T) {
	env := newTestEnv()
	in, out := stayDates(10, 3)
	yesterday, _ := stayDates(-1, 3)

	cases := []struct {
		name  string
		req   InitializeRequest
		field string
	}{
		{
			name:  "missing listing",
			req:   InitializeRequest{CheckIn: in, CheckOut: out, Guests: store.Guests{Adults: 1}},
			field: "listingId",
		},
		{
			name:  "past check-in",
			req:   InitializeRequest{ListingID: "L1", CheckIn: yesterday, CheckOut: out, Guests: store.Guests{Adults: 1}},
			field: "checkIn",
		},
		{
			name:  "malformed date",
			req:   InitializeRequest{ListingID: "L1", CheckIn: "03/01/2026", CheckOut: out, Guests: store.Guests{Adults: 1}},
			field: "checkIn",
		},
		{
			name:  "check-out not after check-in",
			req:   InitializeRequest{ListingID: "L1", CheckIn: in, CheckOut: in, Guests: store.Guests{Adults: 1}},
			field: "checkOut",
		},
		{
			name:  "no adults",
			req:   InitializeRequest{ListingID: "L1", CheckIn: in, CheckOut: out, Guests: store.Guests{Children: 2}},
			field: "guests.adults",
		},
		{
			name:  "negative infants",
			req:   InitializeRequest{ListingID: "L1", CheckIn: in, CheckOut: out, Guests: store.Guests{Adults: 1, Infants: -1}},
			field: "guests.infants",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Initialize(context.Background(), tc.req)
			if code := apperrors.CodeOf(err); code != apperrors.CodeValidation {
				t.Fatalf("code = %s, want VALIDATION", code)
			}
			appErr, _ := apperrors.As(err)
			if _, ok := appErr.Details[tc.field]; !ok {
				t.Errorf("details missing field %q: %v", tc.field, appErr.Details)
			}
		})
	}
}

func TestInitializeUnsupportedCurrency(t *testing.T) {
	env := newTestEnv()
	env.pms.quote.Currency = "eur"
	in, out := stayDates(10, 3)

	_, err := env.svc.Initialize(context.Background(), InitializeRequest{
		ListingID: "L1", CheckIn: in, CheckOut: out, Guests: store.Guests{Adults: 2},
	})
	if code := apperrors.CodeOf(err); code != apperrors.CodeUnsupportedCurrency {
		t.Errorf("code = %s, want UNSUPPORTED_CURRENCY", code)
	}
}

func TestInitializePartyTooLarge(t *testing.T) {
	env := newTestEnv()
	env.pms.listing.MaxGuests = 2
	in, out := stayDates(10, 3)

	_, err := env.svc.Initialize(context.Background(), InitializeRequest{
		ListingID: "L1", CheckIn: in, CheckOut: out, Guests: store.Guests{Adults: 2, Children: 1},
	})
	if code := apperrors.CodeOf(err); code != apperrors.CodeValidation {
		t.Errorf("code = %s, want VALIDATION", code)
	}
}

func TestInitializeListingNotFound(t *testing.T) {
	env := newTestEnv()
	env.pms.listingErr = apperrors.E(apperrors.CodeNotFound, "pms: get_listing: not found")
	in, out := stayDates(10, 3)

	_, err := env.svc.Initialize(context.Background(), InitializeRequest{
		ListingID: "nope", CheckIn: in, CheckOut: out, Guests: store.Guests{Adults: 2},
	})
	if code := apperrors.CodeOf(err); code != apperrors.CodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", code)
	}
}

func TestUpdateGuest(t *testing.T) {
	env := newTestEnv()
	c := env.initialized(t)

	updated, err := env.svc.UpdateGuest(context.Background(), c.ID, testGuest())
	if err != nil {
		t.Fatalf("UpdateGuest failed: %v", err)
	}
	if updated.Guest == nil || updated.Guest.Email != "ana@x.com" {
		t.Errorf("guest = %+v", updated.Guest)
	}
	if updated.State != store.StateInitiated {
		t.Errorf("guest update must not transition: state = %s", updated.State)
	}
}

func TestUpdateGuestValidation(t *testing.T) {
	env := newTestEnv()
	c := env.initialized(t)

	_, err := env.svc.UpdateGuest(context.Background(), c.ID, store.Guest{FirstName: "Ana", LastName: "Reyes", Email: "not-an-email"})
	if code := apperrors.CodeOf(err); code != apperrors.CodeValidation {
		t.Errorf("code = %s, want VALIDATION", code)
	}

	_, err = env.svc.UpdateGuest(context.Background(), "missing", testGuest())
	if code := apperrors.CodeOf(err); code != apperrors.CodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", code)
	}
}

func TestUpdateGuestRejectedAfterPayment(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	// Still editable while the payment is open.
	if _, err := env.svc.UpdateGuest(context.Background(), c.ID, testGuest()); err != nil {
		t.Fatalf("guest must stay editable in PAYMENT_CREATED: %v", err)
	}

	if _, err := env.svc.Cancel(context.Background(), c.ID, "changed plans"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	_, err := env.svc.UpdateGuest(context.Background(), c.ID, testGuest())
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidStateForUpdate {
		t.Errorf("code = %s, want INVALID_STATE_FOR_UPDATE", code)
	}
}

func TestCreateHold(t *testing.T) {
	env := newTestEnv()
	c := env.withGuest(t)

	held, err := env.svc.CreateHold(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}

	if held.State != store.StateHoldCreated {
		t.Errorf("state = %s, want HOLD_CREATED", held.State)
	}
	if held.PMSReservationID != "R1" {
		t.Errorf("reservation id = %q, want R1", held.PMSReservationID)
	}
	if held.HoldExpiresAt == nil {
		t.Fatal("holdExpiresAt not set")
	}
	wantExpiry := time.Now().UTC().Add(15 * time.Minute)
	if d := held.HoldExpiresAt.Sub(wantExpiry); d < -5*time.Second || d > 5*time.Second {
		t.Errorf("holdExpiresAt = %v, want about %v", held.HoldExpiresAt, wantExpiry)
	}
	if len(held.StateHistory) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(held.StateHistory))
	}

	if env.pms.createCalls != 1 {
		t.Errorf("createReservation calls = %d, want 1", env.pms.createCalls)
	}
	req := env.pms.lastCreate
	if req.Type != pms.ReservationTypeReserved {
		t.Errorf("reservation type = %q, want reserved", req.Type)
	}
	if req.TotalPrice != 120000 || req.Currency != "usd" {
		t.Errorf("reservation priced %d %s, want 120000 usd", req.TotalPrice, req.Currency)
	}
	if req.Guest.Email != "ana@x.com" {
		t.Errorf("reservation guest = %+v", req.Guest)
	}
}

func TestCreateHoldIdempotentReplay(t *testing.T) {
	env := newTestEnv()
	c := env.held(t)

	again, err := env.svc.CreateHold(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("replayed CreateHold failed: %v", err)
	}
	if again.State != store.StateHoldCreated || again.PMSReservationID != "R1" {
		t.Errorf("replay changed the document: %+v", again)
	}
	if len(again.StateHistory) != 2 {
		t.Errorf("replay appended history: %d entries", len(again.StateHistory))
	}
	if env.pms.createCalls != 1 {
		t.Errorf("replay reached the PMS: %d create calls", env.pms.createCalls)
	}
}

func TestCreateHoldRequiresGuest(t *testing.T) {
	env := newTestEnv()
	c := env.initialized(t)

	_, err := env.svc.CreateHold(context.Background(), c.ID)
	if code := apperrors.CodeOf(err); code != apperrors.CodeGuestRequired {
		t.Fatalf("code = %s, want GUEST_REQUIRED", code)
	}
	if env.pms.createCalls != 0 {
		t.Error("no reservation may be created without a guest")
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StateInitiated {
		t.Errorf("state = %s, want INITIATED", stored.State)
	}
}

func TestCreateHoldQuoteExpired(t *testing.T) {
	env := newTestEnv(func(cfg *config.CheckoutConfig) {
		cfg.QuoteTTL = config.Duration{Duration: -time.Minute}
	})
	c := env.withGuest(t)

	_, err := env.svc.CreateHold(context.Background(), c.ID)
	if code := apperrors.CodeOf(err); code != apperrors.CodeQuoteExpired {
		t.Fatalf("code = %s, want QUOTE_EXPIRED", code)
	}
	if env.pms.createCalls != 0 {
		t.Error("expired quote must not reach the PMS")
	}
}

func TestCreateHoldQuoteMismatch(t *testing.T) {
	env := newTestEnv()
	c := env.withGuest(t)

	// Simulate out-of-band tampering with a priced parameter.
	if _, err := env.gw.MutateCheckout(context.Background(), c.ID, func(c *store.Checkout) error {
		c.CheckOut = "2030-01-01"
		return nil
	}); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	_, err := env.svc.CreateHold(context.Background(), c.ID)
	if code := apperrors.CodeOf(err); code != apperrors.CodeQuoteMismatch {
		t.Fatalf("code = %s, want QUOTE_MISMATCH", code)
	}
	if env.pms.createCalls != 0 {
		t.Error("mismatched quote must not reach the PMS")
	}
}

func TestCreateHoldPMSFailureLeavesNoTrace(t *testing.T) {
	env := newTestEnv()
	c := env.withGuest(t)
	env.pms.createErr = apperrors.E(apperrors.CodePMSServerError, "pms: create_reservation failed upstream")

	_, err := env.svc.CreateHold(context.Background(), c.ID)
	if code := apperrors.CodeOf(err); code != apperrors.CodePMSServerError {
		t.Fatalf("code = %s, want PMS_SERVER_ERROR", code)
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StateInitiated {
		t.Errorf("state = %s, want INITIATED", stored.State)
	}
	if stored.PMSReservationID != "" || stored.HoldExpiresAt != nil {
		t.Error("failed hold must not leave reservation fields behind")
	}
	if len(stored.StateHistory) != 1 {
		t.Errorf("failed hold appended history: %d entries", len(stored.StateHistory))
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	env := newTestEnv()
	c := env.held(t)

	updated, secret, err := env.svc.CreatePaymentIntent(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}

	if updated.State != store.StatePaymentCreated {
		t.Errorf("state = %s, want PAYMENT_CREATED", updated.State)
	}
	if updated.PSPPaymentIntentID != "pi_1" {
		t.Errorf("intent id = %q, want pi_1", updated.PSPPaymentIntentID)
	}
	if secret != testClientSecret {
		t.Errorf("client secret = %q", secret)
	}

	req := env.psp.lastCreate
	if req.Amount != 120000 || req.Currency != "usd" {
		t.Errorf("intent for %d %s, want 120000 usd", req.Amount, req.Currency)
	}
	if req.CheckoutID != c.ID || req.PMSReservationID != "R1" {
		t.Errorf("intent metadata = %+v", req)
	}
	if req.CustomerEmail != "ana@x.com" {
		t.Errorf("receipt email = %q", req.CustomerEmail)
	}

	// The client secret must never touch the store.
	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	raw, _ := json.Marshal(stored)
	if strings.Contains(string(raw), secret) {
		t.Error("client secret persisted on the checkout document")
	}
}

func TestCreatePaymentIntentReplayReturnsSameIntent(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	again, secret, err := env.svc.CreatePaymentIntent(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("replayed CreatePaymentIntent failed: %v", err)
	}
	if secret != testClientSecret {
		t.Errorf("replay returned different secret %q", secret)
	}
	if again.State != store.StatePaymentCreated || len(again.StateHistory) != 3 {
		t.Errorf("replay changed the document: state=%s history=%d", again.State, len(again.StateHistory))
	}
	if env.psp.createCalls != 1 {
		t.Errorf("replay opened a second intent: %d create calls", env.psp.createCalls)
	}
	if env.psp.retrieveCalls != 1 {
		t.Errorf("replay must retrieve the existing intent: %d retrieve calls", env.psp.retrieveCalls)
	}
}

func TestCreatePaymentIntentRequiresHold(t *testing.T) {
	env := newTestEnv()
	c := env.withGuest(t)

	_, _, err := env.svc.CreatePaymentIntent(context.Background(), c.ID)
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidTransition {
		t.Fatalf("code = %s, want INVALID_TRANSITION", code)
	}
	if env.psp.createCalls != 0 {
		t.Error("no intent may be opened before a hold exists")
	}
}

func TestHandlePaymentSucceededBooksTheStay(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	if err := env.svc.HandlePaymentSucceeded(context.Background(), c.ID, "pi_1"); err != nil {
		t.Fatalf("HandlePaymentSucceeded failed: %v", err)
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StateBooked {
		t.Errorf("state = %s, want BOOKED", stored.State)
	}
	if stored.PMSBookingCode != "B42" {
		t.Errorf("booking code = %q, want B42", stored.PMSBookingCode)
	}

	if env.pms.updateCalls != 1 || env.pms.registerCalls != 1 {
		t.Errorf("PMS calls: update=%d register=%d, want 1/1", env.pms.updateCalls, env.pms.registerCalls)
	}
	rec := env.pms.lastRegister
	if rec.Method != "credit_card" || rec.Amount != 120000 || rec.Reference != "pi_1" {
		t.Errorf("payment record = %+v", rec)
	}

	// History gained exactly PAID then BOOKED.
	n := len(stored.StateHistory)
	if n != 5 {
		t.Fatalf("history length = %d, want 5", n)
	}
	paid, booked := stored.StateHistory[n-2], stored.StateHistory[n-1]
	if paid.To != store.StatePaid || paid.Actor != store.ActorWebhook {
		t.Errorf("penultimate entry = %+v", paid)
	}
	if booked.To != store.StateBooked || booked.Actor != store.ActorSystem {
		t.Errorf("final entry = %+v", booked)
	}
}

func TestHandlePaymentSucceededReplayAfterBooked(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	for i := 0; i < 3; i++ {
		if err := env.svc.HandlePaymentSucceeded(context.Background(), c.ID, "pi_1"); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	if env.pms.updateCalls != 1 || env.pms.registerCalls != 1 {
		t.Errorf("replays repeated PMS writes: update=%d register=%d", env.pms.updateCalls, env.pms.registerCalls)
	}
	if env.psp.refundCalls != 0 {
		t.Error("replay of a booked checkout must not refund")
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	transitions := 0
	for _, h := range stored.StateHistory {
		if h.To == store.StateBooked {
			transitions++
		}
	}
	if transitions != 1 {
		t.Errorf("BOOKED appended %d times, want 1", transitions)
	}
}

func TestHandlePaymentSucceededResumesAfterPartialFailure(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	env.pms.registerErr = apperrors.E(apperrors.CodePMSTimeout, "pms: register_payment timed out")
	err := env.svc.HandlePaymentSucceeded(context.Background(), c.ID, "pi_1")
	if code := apperrors.CodeOf(err); code != apperrors.CodePMSTimeout {
		t.Fatalf("code = %s, want PMS_TIMEOUT", code)
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StatePaid {
		t.Fatalf("state = %s, want PAID (resumable)", stored.State)
	}

	// Redelivery finishes the job.
	env.pms.registerErr = nil
	if err := env.svc.HandlePaymentSucceeded(context.Background(), c.ID, "pi_1"); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	stored, _ = env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StateBooked {
		t.Errorf("state = %s, want BOOKED", stored.State)
	}
}

func TestLatePaymentAfterExpiryIsRefunded(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	// The sweeper got there first.
	if _, ok, err := env.machine.TryTransition(context.Background(), c.ID, store.StateExpired, store.ActorSystem, "hold expired", nil); err != nil || !ok {
		t.Fatalf("expire failed: ok=%v err=%v", ok, err)
	}

	if err := env.svc.HandlePaymentSucceeded(context.Background(), c.ID, "pi_1"); err != nil {
		t.Fatalf("late delivery must be settled, not errored: %v", err)
	}

	if env.psp.refundCalls != 1 || env.psp.lastRefunded != "pi_1" {
		t.Errorf("refund calls = %d (intent %q), want 1 for pi_1", env.psp.refundCalls, env.psp.lastRefunded)
	}
	if env.pms.updateCalls != 0 || env.pms.registerCalls != 0 {
		t.Error("no PMS writes may happen for a dead checkout")
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StateExpired {
		t.Errorf("state = %s, want EXPIRED", stored.State)
	}
}

func TestLatePaymentRefundFailurePropagates(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	if _, err := env.svc.Cancel(context.Background(), c.ID, "changed plans"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	env.psp.refundErr = apperrors.E(apperrors.CodePSPError, "psp: create_refund failed")
	err := env.svc.HandlePaymentSucceeded(context.Background(), c.ID, "pi_1")
	if code := apperrors.CodeOf(err); code != apperrors.CodePSPError {
		t.Errorf("code = %s, want PSP_ERROR so the PSP redelivers", code)
	}
}

func TestHandlePaymentFailed(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	if err := env.svc.HandlePaymentFailed(context.Background(), c.ID, "card_declined"); err != nil {
		t.Fatalf("HandlePaymentFailed failed: %v", err)
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StatePaymentCreated {
		t.Errorf("failed payment must not transition: state = %s", stored.State)
	}
	if stored.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", stored.RetryCount)
	}

	// Unknown checkouts are acknowledged, not errored.
	if err := env.svc.HandlePaymentFailed(context.Background(), "missing", "card_declined"); err != nil {
		t.Errorf("unknown checkout must be acknowledged: %v", err)
	}
}

func TestWaitForConfirmationReturnsTerminalImmediately(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)
	if err := env.svc.HandlePaymentSucceeded(context.Background(), c.ID, "pi_1"); err != nil {
		t.Fatalf("HandlePaymentSucceeded failed: %v", err)
	}

	started := time.Now()
	got, err := env.svc.WaitForConfirmation(context.Background(), c.ID, 30*time.Second)
	if err != nil {
		t.Fatalf("WaitForConfirmation failed: %v", err)
	}
	if got.State != store.StateBooked {
		t.Errorf("state = %s, want BOOKED", got.State)
	}
	if time.Since(started) > time.Second {
		t.Error("terminal checkout must return without polling")
	}
}

func TestWaitForConfirmationTimesOutPending(t *testing.T) {
	env := newTestEnv(func(cfg *config.CheckoutConfig) {
		cfg.FinalizeMaxWait = config.Duration{Duration: time.Millisecond}
	})
	c := env.paymentCreated(t)

	got, err := env.svc.WaitForConfirmation(context.Background(), c.ID, 0)
	if err != nil {
		t.Fatalf("deadline must not be an error: %v", err)
	}
	if got.State != store.StatePaymentCreated {
		t.Errorf("state = %s, want PAYMENT_CREATED (still pending)", got.State)
	}
}

func TestWaitForConfirmationHonorsContext(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.svc.WaitForConfirmation(ctx, c.ID, 30*time.Second)
	if err == nil {
		t.Error("canceled context must surface")
	}
}

func TestCancelReleasesHold(t *testing.T) {
	env := newTestEnv()
	c := env.held(t)

	canceled, err := env.svc.Cancel(context.Background(), c.ID, "changed plans")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if canceled.State != store.StateCanceled {
		t.Errorf("state = %s, want CANCELED", canceled.State)
	}
	if env.pms.cancelCalls != 1 || env.pms.canceled[0] != "R1" {
		t.Errorf("PMS cancel calls = %d %v", env.pms.cancelCalls, env.pms.canceled)
	}

	// The dead checkout refuses further progress.
	_, _, err = env.svc.CreatePaymentIntent(context.Background(), c.ID)
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidTransition {
		t.Errorf("code = %s, want INVALID_TRANSITION", code)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv()
	c := env.held(t)

	if _, err := env.svc.Cancel(context.Background(), c.ID, ""); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	again, err := env.svc.Cancel(context.Background(), c.ID, "")
	if err != nil {
		t.Fatalf("double cancel failed: %v", err)
	}
	if again.State != store.StateCanceled {
		t.Errorf("state = %s, want CANCELED", again.State)
	}
	if env.pms.cancelCalls != 1 {
		t.Errorf("double cancel reached the PMS twice: %d calls", env.pms.cancelCalls)
	}
}

func TestCancelToleratesMissingReservation(t *testing.T) {
	env := newTestEnv()
	c := env.held(t)
	env.pms.cancelErr = apperrors.E(apperrors.CodeNotFound, "pms: cancel_reservation: not found")

	canceled, err := env.svc.Cancel(context.Background(), c.ID, "")
	if err != nil {
		t.Fatalf("Cancel must tolerate a missing reservation: %v", err)
	}
	if canceled.State != store.StateCanceled {
		t.Errorf("state = %s, want CANCELED", canceled.State)
	}
}

func TestCancelBlockedByPMSFailure(t *testing.T) {
	env := newTestEnv()
	c := env.held(t)
	env.pms.cancelErr = apperrors.E(apperrors.CodePMSServerError, "pms: cancel_reservation failed upstream")

	_, err := env.svc.Cancel(context.Background(), c.ID, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodePMSServerError {
		t.Fatalf("code = %s, want PMS_SERVER_ERROR", code)
	}

	stored, _ := env.gw.GetCheckout(context.Background(), c.ID)
	if stored.State != store.StateHoldCreated {
		t.Errorf("checkout must stay live while its reservation is: state = %s", stored.State)
	}
}

func TestCancelFromExpired(t *testing.T) {
	env := newTestEnv()
	c := env.held(t)
	if _, ok, err := env.machine.TryTransition(context.Background(), c.ID, store.StateExpired, store.ActorSystem, "hold expired", nil); err != nil || !ok {
		t.Fatalf("expire failed: ok=%v err=%v", ok, err)
	}

	_, err := env.svc.Cancel(context.Background(), c.ID, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidTransition {
		t.Errorf("code = %s, want INVALID_TRANSITION", code)
	}
}

func TestCancelAfterBooking(t *testing.T) {
	env := newTestEnv()
	c := env.paymentCreated(t)
	if err := env.svc.HandlePaymentSucceeded(context.Background(), c.ID, "pi_1"); err != nil {
		t.Fatalf("HandlePaymentSucceeded failed: %v", err)
	}

	canceled, err := env.svc.Cancel(context.Background(), c.ID, "guest no-show")
	if err != nil {
		t.Fatalf("post-booking cancel failed: %v", err)
	}
	if canceled.State != store.StateCanceled {
		t.Errorf("state = %s, want CANCELED", canceled.State)
	}
	if env.pms.cancelCalls != 1 {
		t.Errorf("PMS cancel calls = %d, want 1", env.pms.cancelCalls)
	}
}
