package checkout

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/metrics"
	"github.com/CoveStays/checkout/internal/store"
)

// transitions is the complete lifecycle graph. A state absent from the map is
// a sink: nothing leaves it. BOOKED keeps a single outgoing edge to CANCELED
// for post-booking cancellations.
var transitions = map[store.State][]store.State{
	store.StateInitiated:      {store.StateHoldCreated, store.StateCanceled, store.StateFailed},
	store.StateHoldCreated:    {store.StatePaymentCreated, store.StateExpired, store.StateCanceled, store.StateFailed},
	store.StatePaymentCreated: {store.StatePaid, store.StateExpired, store.StateCanceled, store.StateFailed},
	store.StatePaid:           {store.StateBooked, store.StateFailed},
	store.StateBooked:         {store.StateCanceled},
}

// CanTransition reports whether the lifecycle graph has an edge from one
// state to another.
func CanTransition(from, to store.State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Updates carries the field writes that land atomically with a transition.
// Pointer fields distinguish "leave alone" from "set to zero". The machine
// owns state, stateHistory, and updatedAt; they cannot be set through here.
type Updates struct {
	PMSReservationID   *string
	PMSBookingCode     *string
	PSPPaymentIntentID *string
	HoldExpiresAt      *time.Time
	RetryCount         *int
	Metadata           map[string]string
}

// Machine applies lifecycle transitions to stored checkouts. Every transition
// is one atomic commit: state change, exactly one history entry, and any
// accompanying field updates land together or not at all.
type Machine struct {
	gw      store.Gateway
	metrics *metrics.Metrics
}

// NewMachine creates a transition machine over the given gateway. m may be
// nil to disable instrumentation.
func NewMachine(gw store.Gateway, m *metrics.Metrics) *Machine {
	return &Machine{gw: gw, metrics: m}
}

// Transition moves a checkout to target and applies updates in the same
// commit.
//
// A checkout already in target returns as-is with no history append, so
// webhook replays and double-submits converge instead of failing. An edge
// missing from the lifecycle graph returns INVALID_TRANSITION and writes
// nothing.
func (m *Machine) Transition(ctx context.Context, id string, target store.State, actor store.Actor, reason string, updates *Updates) (store.Checkout, error) {
	return m.TransitionWith(ctx, id, target, actor, reason, func(*store.Checkout) (*Updates, error) {
		return updates, nil
	})
}

// TransitionWith is Transition with the update set computed inside the commit
// window. prepare sees the freshly loaded document after the no-op and graph
// checks passed, so it can guard on current fields and perform the work that
// must ride the same commit. prepare may run more than once when the commit
// loses a concurrency race; side effects inside it need their own once-only
// guard. Returning store.ErrNoChange from prepare commits nothing and hands
// back the document as read.
func (m *Machine) TransitionWith(ctx context.Context, id string, target store.State, actor store.Actor, reason string, prepare func(c *store.Checkout) (*Updates, error)) (store.Checkout, error) {
	if !target.Valid() {
		return store.Checkout{}, apperrors.Ef(apperrors.CodeInternal, "checkout: unknown state %q", target)
	}

	var applied bool
	var from store.State
	result, err := m.gw.MutateCheckout(ctx, id, func(c *store.Checkout) error {
		applied = false
		if c.State == target {
			return store.ErrNoChange
		}
		if !CanTransition(c.State, target) {
			return apperrors.Ef(apperrors.CodeInvalidTransition,
				"checkout %s: no transition from %s to %s", id, c.State, target)
		}
		var updates *Updates
		if prepare != nil {
			u, err := prepare(c)
			if err != nil {
				return err
			}
			updates = u
		}
		from = c.State
		c.State = target
		c.StateHistory = append(c.StateHistory, store.Transition{
			From:      from,
			To:        target,
			Timestamp: time.Now().UTC(),
			Reason:    reason,
			Actor:     actor,
		})
		if updates != nil {
			if err := applyUpdates(c, updates); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Checkout{}, apperrors.Ef(apperrors.CodeNotFound, "checkout %s not found", id)
		}
		if errors.Is(err, store.ErrConflict) {
			return store.Checkout{}, apperrors.Wrap(apperrors.CodeConflict, "checkout: transition lost concurrency race", err)
		}
		return store.Checkout{}, err
	}
	if applied && m.metrics != nil {
		m.metrics.ObserveTransition(string(from), string(target))
	}
	return result, nil
}

// TryTransition is Transition for callers that treat a dead edge as "someone
// else already moved this checkout" rather than a failure. It reports false
// with no error on INVALID_TRANSITION; every other failure propagates.
func (m *Machine) TryTransition(ctx context.Context, id string, target store.State, actor store.Actor, reason string, updates *Updates) (store.Checkout, bool, error) {
	result, err := m.Transition(ctx, id, target, actor, reason, updates)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeInvalidTransition) {
			return store.Checkout{}, false, nil
		}
		return store.Checkout{}, false, err
	}
	return result, true, nil
}

// applyUpdates writes the accompanying fields. The PMS reservation id and the
// PSP payment intent id are write-once: once set, only an identical rewrite
// is accepted, so replays stay idempotent and nothing can silently rebind a
// checkout to a different reservation or intent.
func applyUpdates(c *store.Checkout, u *Updates) error {
	if u.PMSReservationID != nil {
		if c.PMSReservationID != "" && c.PMSReservationID != *u.PMSReservationID {
			return apperrors.Ef(apperrors.CodeInternal,
				"checkout %s: pms reservation id is write-once", c.ID)
		}
		c.PMSReservationID = *u.PMSReservationID
	}
	if u.PMSBookingCode != nil {
		c.PMSBookingCode = *u.PMSBookingCode
	}
	if u.PSPPaymentIntentID != nil {
		if c.PSPPaymentIntentID != "" && c.PSPPaymentIntentID != *u.PSPPaymentIntentID {
			return apperrors.Ef(apperrors.CodeInternal,
				"checkout %s: psp payment intent id is write-once", c.ID)
		}
		c.PSPPaymentIntentID = *u.PSPPaymentIntentID
	}
	if u.HoldExpiresAt != nil {
		t := u.HoldExpiresAt.UTC()
		c.HoldExpiresAt = &t
	}
	if u.RetryCount != nil {
		c.RetryCount = *u.RetryCount
	}
	if len(u.Metadata) > 0 {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return nil
}
