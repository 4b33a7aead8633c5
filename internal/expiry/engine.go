// Package expiry owns the background hygiene of the checkout store: holds
// kept past their deadline are released back to the property system, and
// idempotency and webhook records past their retention are purged.
package expiry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/CoveStays/checkout/internal/checkout"
	"github.com/CoveStays/checkout/internal/config"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/metrics"
	"github.com/CoveStays/checkout/internal/store"
)

// passTimeout bounds one timer-driven pass. Items that miss the window stay
// expired in the store and are picked up by the next pass.
const passTimeout = 5 * time.Minute

// expirableStates are the states a hold can die in. PAID and beyond never
// expire: funds are in play and the webhook path owns the outcome.
var expirableStates = []store.State{store.StateHoldCreated, store.StatePaymentCreated}

// ReservationCanceler releases held inventory on the property system.
type ReservationCanceler interface {
	CancelReservation(ctx context.Context, reservationID string) error
}

// Result summarizes one expiry sweep.
type Result struct {
	ExpiredCount int `json:"expiredCount"`
	ErrorCount   int `json:"errorCount"`
}

// PurgeResult summarizes one records janitor pass.
type PurgeResult struct {
	IdempotencyKeys int64 `json:"idempotencyKeys"`
	WebhookEvents   int64 `json:"webhookEvents"`
}

// Engine sweeps expired holds and purges dead records. Sweeps run on demand
// through the jobs endpoints and, when configured, on in-process timers.
type Engine struct {
	gw      store.Gateway
	machine *checkout.Machine
	pms     ReservationCanceler
	metrics *metrics.Metrics
	logger  zerolog.Logger

	batchSize     int
	sweepInterval time.Duration
	purgeInterval time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewEngine creates the expiry engine. m may be nil.
func NewEngine(gw store.Gateway, machine *checkout.Machine, pms ReservationCanceler, cfg config.JobsConfig, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	batch := cfg.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Engine{
		gw:            gw,
		machine:       machine,
		pms:           pms,
		metrics:       m,
		logger:        logger,
		batchSize:     batch,
		sweepInterval: cfg.SweepInterval.Duration,
		purgeInterval: cfg.PurgeInterval.Duration,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

// SweepOnce expires every overdue hold it can see, up to the batch size per
// state. For each hit the PMS reservation is canceled first, then the
// checkout is moved to EXPIRED; a hold that settled in the meantime loses the
// transition race and is left alone. Per-checkout failures are counted and
// skipped so one wedged document cannot stall the sweep.
func (e *Engine) SweepOnce(ctx context.Context) (Result, error) {
	started := time.Now()
	now := started.UTC()

	var res Result
	for _, state := range expirableStates {
		overdue, err := e.gw.ListExpiredHolds(ctx, state, now, e.batchSize)
		if err != nil {
			e.observeSweep(res, started)
			return res, err
		}
		for _, c := range overdue {
			expired, err := e.expire(ctx, c)
			if err != nil {
				res.ErrorCount++
				e.logger.Error().Err(err).
					Str("checkoutId", c.ID).
					Str("state", string(state)).
					Msg("expiry.checkout_failed")
				continue
			}
			if expired {
				res.ExpiredCount++
			}
		}
	}

	e.observeSweep(res, started)
	e.logger.Info().
		Int("expired", res.ExpiredCount).
		Int("errors", res.ErrorCount).
		Dur("took", time.Since(started)).
		Msg("expiry.sweep_complete")
	return res, nil
}

// expire releases one overdue hold. Cancel-then-transition order matters: a
// failed PMS cancel leaves the document in place for the next sweep, so every
// expired hold gets its reservation canceled at least once.
func (e *Engine) expire(ctx context.Context, c store.Checkout) (bool, error) {
	if c.PMSReservationID != "" {
		if err := e.pms.CancelReservation(ctx, c.PMSReservationID); err != nil && !apperrors.Is(err, apperrors.CodeNotFound) {
			return false, err
		}
	}

	_, ok, err := e.machine.TryTransition(ctx, c.ID, store.StateExpired, store.ActorSystem, "hold expired", nil)
	if err != nil {
		return false, err
	}
	if !ok {
		// The checkout settled between the listing and here. The webhook
		// path owns it now.
		e.logger.Debug().Str("checkoutId", c.ID).Msg("expiry.lost_race")
		return false, nil
	}

	e.logger.Info().
		Str("checkoutId", c.ID).
		Str("pmsReservationId", c.PMSReservationID).
		Msg("expiry.hold_expired")
	return true, nil
}

// PurgeRecords deletes idempotency records and webhook markers that outlived
// their own expiry timestamps.
func (e *Engine) PurgeRecords(ctx context.Context) (PurgeResult, error) {
	now := time.Now().UTC()

	keys, err := e.gw.PurgeIdempotencyKeys(ctx, now)
	if err != nil {
		return PurgeResult{}, err
	}
	events, err := e.gw.PurgeWebhookEvents(ctx, now)
	if err != nil {
		return PurgeResult{IdempotencyKeys: keys}, err
	}

	res := PurgeResult{IdempotencyKeys: keys, WebhookEvents: events}
	if keys > 0 || events > 0 {
		e.logger.Info().
			Int64("idempotencyKeys", keys).
			Int64("webhookEvents", events).
			Msg("expiry.records_purged")
	}
	return res, nil
}

// Start launches the in-process timers. With both intervals zero the engine
// stays passive and sweeps only when the jobs endpoints say so.
func (e *Engine) Start() {
	if e.sweepInterval <= 0 && e.purgeInterval <= 0 {
		e.logger.Info().Msg("expiry.timers_disabled")
		close(e.doneChan)
		return
	}

	e.logger.Info().
		Dur("sweepInterval", e.sweepInterval).
		Dur("purgeInterval", e.purgeInterval).
		Msg("expiry.engine_started")
	go e.run()
}

// Stop halts the timers and waits for an in-flight pass to finish.
func (e *Engine) Stop() error {
	close(e.stopChan)
	<-e.doneChan
	e.logger.Info().Msg("expiry.engine_stopped")
	return nil
}

func (e *Engine) run() {
	defer close(e.doneChan)

	var sweepC, purgeC <-chan time.Time
	if e.sweepInterval > 0 {
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		sweepC = ticker.C
		// Immediate pass on startup recovers holds that expired while the
		// service was down.
		e.runSweep()
	}
	if e.purgeInterval > 0 {
		ticker := time.NewTicker(e.purgeInterval)
		defer ticker.Stop()
		purgeC = ticker.C
	}

	for {
		select {
		case <-sweepC:
			e.runSweep()
		case <-purgeC:
			e.runPurge()
		case <-e.stopChan:
			return
		}
	}
}

func (e *Engine) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()
	if _, err := e.SweepOnce(ctx); err != nil {
		e.logger.Error().Err(err).Msg("expiry.sweep_failed")
	}
}

func (e *Engine) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()
	if _, err := e.PurgeRecords(ctx); err != nil {
		e.logger.Error().Err(err).Msg("expiry.purge_failed")
	}
}

func (e *Engine) observeSweep(res Result, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveExpirySweep(res.ExpiredCount, res.ErrorCount, time.Since(started))
}
