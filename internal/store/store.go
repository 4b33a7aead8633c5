package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CoveStays/checkout/internal/config"
	"github.com/CoveStays/checkout/internal/metrics"
)

// ErrNotFound is returned when a requested record is missing from the store.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write lost an optimistic concurrency race
// after all retries, or when creating a record whose id already exists.
var ErrConflict = errors.New("store: conflict")

// ErrNoChange can be returned by a mutate function to commit nothing and
// leave the stored document exactly as it was read.
var ErrNoChange = errors.New("store: no change")

// State is the checkout lifecycle state.
type State string

const (
	StateInitiated      State = "INITIATED"
	StateHoldCreated    State = "HOLD_CREATED"
	StatePaymentCreated State = "PAYMENT_CREATED"
	StatePaid           State = "PAID"
	StateBooked         State = "BOOKED"
	StateCanceled       State = "CANCELED"
	StateExpired        State = "EXPIRED"
	StateFailed         State = "FAILED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateInitiated, StateHoldCreated, StatePaymentCreated, StatePaid,
		StateBooked, StateCanceled, StateExpired, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a sink state. BOOKED is terminal too;
// the one permitted post-terminal move (BOOKED to CANCELED) is encoded
// in the transition graph, not here.
func (s State) Terminal() bool {
	switch s {
	case StateBooked, StateCanceled, StateExpired, StateFailed:
		return true
	}
	return false
}

// Actor identifies who caused a state transition.
type Actor string

const (
	ActorUser    Actor = "user"
	ActorSystem  Actor = "system"
	ActorWebhook Actor = "webhook"
)

// Transition is one entry in a checkout's append-only state history.
type Transition struct {
	From      State     `bson:"from" json:"from"`
	To        State     `bson:"to" json:"to"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Reason    string    `bson:"reason,omitempty" json:"reason,omitempty"`
	Actor     Actor     `bson:"actor" json:"actor"`
}

// Guests holds the party composition for a stay.
type Guests struct {
	Adults   int `bson:"adults" json:"adults"`
	Children int `bson:"children" json:"children"`
	Infants  int `bson:"infants" json:"infants"`
}

// Guest holds the lead guest's contact details.
type Guest struct {
	FirstName string `bson:"firstName" json:"firstName"`
	LastName  string `bson:"lastName" json:"lastName"`
	Email     string `bson:"email" json:"email"`
	Phone     string `bson:"phone,omitempty" json:"phone,omitempty"`
	Document  string `bson:"document,omitempty" json:"document,omitempty"`
}

// QuoteBreakdown itemizes a locked quote. All amounts are integers in the
// smallest currency unit.
type QuoteBreakdown struct {
	Subtotal    int64 `bson:"subtotal" json:"subtotal"`
	CleaningFee int64 `bson:"cleaningFee" json:"cleaningFee"`
	ServiceFee  int64 `bson:"serviceFee" json:"serviceFee"`
	Taxes       int64 `bson:"taxes" json:"taxes"`
}

// Quote is the locked price snapshot written at initialize. It is write-once:
// nothing may mutate it after the checkout is created.
type Quote struct {
	Total     int64          `bson:"total" json:"total"`
	Currency  string         `bson:"currency" json:"currency"`
	Breakdown QuoteBreakdown `bson:"breakdown" json:"breakdown"`
	Hash      string         `bson:"hash" json:"hash"`
	ExpiresAt time.Time      `bson:"expiresAt" json:"expiresAt"`
}

// Checkout is the aggregate root: one document per shopper attempt.
// Revision backs optimistic concurrency and is owned by the gateway;
// it is never exposed over the API.
type Checkout struct {
	ID                 string            `bson:"_id" json:"checkoutId"`
	State              State             `bson:"state" json:"state"`
	StateHistory       []Transition      `bson:"stateHistory" json:"stateHistory"`
	ListingID          string            `bson:"listingId" json:"listingId"`
	ListingName        string            `bson:"listingName,omitempty" json:"listingName,omitempty"`
	CheckIn            string            `bson:"checkIn" json:"checkIn"`
	CheckOut           string            `bson:"checkOut" json:"checkOut"`
	Guests             Guests            `bson:"guests" json:"guests"`
	CouponCode         string            `bson:"couponCode,omitempty" json:"couponCode,omitempty"`
	Quote              *Quote            `bson:"quote,omitempty" json:"quote,omitempty"`
	Guest              *Guest            `bson:"guest,omitempty" json:"guest,omitempty"`
	PMSReservationID   string            `bson:"pmsReservationId,omitempty" json:"pmsReservationId,omitempty"`
	PMSBookingCode     string            `bson:"pmsBookingCode,omitempty" json:"pmsBookingCode,omitempty"`
	PSPPaymentIntentID string            `bson:"pspPaymentIntentId,omitempty" json:"pspPaymentIntentId,omitempty"`
	HoldExpiresAt      *time.Time        `bson:"holdExpiresAt,omitempty" json:"holdExpiresAt,omitempty"`
	RetryCount         int               `bson:"retryCount" json:"retryCount"`
	Metadata           map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt          time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time         `bson:"updatedAt" json:"updatedAt"`
	Revision           int64             `bson:"revision" json:"-"`
}

// Clone returns a deep copy. Mutate functions receive a clone so a failed
// commit never leaks partial edits into a shared document.
func (c Checkout) Clone() Checkout {
	out := c
	if c.StateHistory != nil {
		out.StateHistory = make([]Transition, len(c.StateHistory))
		copy(out.StateHistory, c.StateHistory)
	}
	if c.Quote != nil {
		q := *c.Quote
		out.Quote = &q
	}
	if c.Guest != nil {
		g := *c.Guest
		out.Guest = &g
	}
	if c.HoldExpiresAt != nil {
		t := *c.HoldExpiresAt
		out.HoldExpiresAt = &t
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// IdempotencyRecord captures the outcome of a keyed request. While the
// original request is still executing, Status is zero and Body is empty;
// that pending claim is what blocks concurrent duplicates.
type IdempotencyRecord struct {
	ID        string    `bson:"_id" json:"id"`
	Status    int       `bson:"status" json:"status"`
	Body      []byte    `bson:"body,omitempty" json:"body,omitempty"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	ExpiresAt time.Time `bson:"expiresAt" json:"expiresAt"`
}

// InFlight reports whether the record is a pending claim with no captured
// response yet.
func (r IdempotencyRecord) InFlight() bool {
	return r.Status == 0
}

// WebhookEventRecord marks a PSP event as fully processed. Its presence is
// the dedup signal; records expire after the dedup window.
type WebhookEventRecord struct {
	ID          string    `bson:"_id" json:"id"`
	EventType   string    `bson:"eventType" json:"eventType"`
	ProcessedAt time.Time `bson:"processedAt" json:"processedAt"`
	ExpiresAt   time.Time `bson:"expiresAt" json:"expiresAt"`
}

// MutateFunc edits a checkout in place as part of an atomic read-modify-write.
// Returning ErrNoChange commits nothing; any other error aborts the mutation.
type MutateFunc func(c *Checkout) error

// Gateway captures the persistence requirements for the checkout workflow.
//
// MutateCheckout is the single write path for existing checkouts: it loads the
// document, applies fn to a deep copy, and commits with an optimistic
// concurrency check. A lost race reloads and reapplies fn; after exhausting
// retries it fails with ErrConflict. State machine callers rely on this to
// serialize all transitions per checkout.
type Gateway interface {
	CreateCheckout(ctx context.Context, c Checkout) error
	GetCheckout(ctx context.Context, id string) (Checkout, error)
	MutateCheckout(ctx context.Context, id string, fn MutateFunc) (Checkout, error)
	// ListExpiredHolds returns checkouts in the given state whose hold
	// deadline passed before the given time, oldest deadline first.
	ListExpiredHolds(ctx context.Context, state State, before time.Time, limit int) ([]Checkout, error)

	// ClaimIdempotencyKey atomically registers a pending claim for rec.ID.
	// It reports claimed=true when the caller now owns the key. When a live
	// record already exists it is returned with claimed=false; expired
	// records are replaced as if absent.
	ClaimIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (existing IdempotencyRecord, claimed bool, err error)
	// CompleteIdempotencyKey stores the captured response on an owned claim.
	CompleteIdempotencyKey(ctx context.Context, id string, status int, body []byte) error
	// ReleaseIdempotencyKey drops a claim so a later retry re-executes.
	ReleaseIdempotencyKey(ctx context.Context, id string) error
	GetIdempotencyRecord(ctx context.Context, id string) (IdempotencyRecord, error)
	PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int64, error)

	// GetWebhookEvent returns ErrNotFound for unknown or expired events.
	GetWebhookEvent(ctx context.Context, eventID string) (WebhookEventRecord, error)
	// MarkWebhookProcessed is idempotent: marking an already-marked event
	// succeeds without altering the original record.
	MarkWebhookProcessed(ctx context.Context, rec WebhookEventRecord) error
	PurgeWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config holds storage backend configuration.
type Config struct {
	Backend         string // "memory", "mongodb", or "postgres"
	MongoDBURL      string
	MongoDBDatabase string
	PostgresURL     string
	PostgresPool    config.PostgresPoolConfig
	Metrics         *metrics.Metrics // optional query instrumentation
}

// NewGateway creates a Gateway instance based on the provided configuration.
func NewGateway(cfg Config) (Gateway, error) {
	switch cfg.Backend {
	case "", "memory":
		// Memory loses every checkout on restart. Config validation rejects
		// it in production; here it stays available for dev and tests.
		return NewMemoryGateway(), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoGateway(cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.Metrics)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresGateway(cfg.PostgresURL, cfg.PostgresPool, cfg.Metrics)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// mutateMaxRetries bounds the optimistic concurrency retry loop. Contention
// on a single checkout is rare (one shopper, occasional webhook), so a lost
// race virtually always wins on the next attempt.
const mutateMaxRetries = 5

type loadFunc func(ctx context.Context) (Checkout, error)

// commitFunc writes next iff the stored revision still equals expected.
// It reports false, nil when the concurrency check failed.
type commitFunc func(ctx context.Context, next Checkout, expected int64) (bool, error)

// mutateWithRetry implements the shared read-modify-write loop used by every
// backend. fn may perform remote calls; it must tolerate being re-invoked on
// a fresh snapshot after a lost race.
func mutateWithRetry(ctx context.Context, load loadFunc, commit commitFunc, fn MutateFunc) (Checkout, error) {
	for attempt := 0; attempt < mutateMaxRetries; attempt++ {
		current, err := load(ctx)
		if err != nil {
			return Checkout{}, err
		}

		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return Checkout{}, err
		}

		next.ID = current.ID
		next.Revision = current.Revision + 1
		next.UpdatedAt = time.Now().UTC()

		ok, err := commit(ctx, next, current.Revision)
		if err != nil {
			return Checkout{}, err
		}
		if ok {
			return next, nil
		}
	}
	return Checkout{}, fmt.Errorf("mutate checkout: retries exhausted: %w", ErrConflict)
}
