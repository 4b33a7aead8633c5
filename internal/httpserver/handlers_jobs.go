package httpserver

import (
	"net/http"

	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/pkg/responders"
)

// expireHolds runs one hold expiry sweep. The scheduler (cron, Cloud
// Scheduler, whatever ops wires up) calls this every few minutes; the
// response reports what the sweep did.
//
// Per-checkout failures are counted, not fatal, so a 200 with a non-zero
// errorCount is a partial success the caller can alert on.
func (h *handlers) expireHolds(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.SweepOnce(r.Context())
	if err != nil {
		apperrors.WriteError(w, apperrors.Wrap(apperrors.CodeInternal, "expiry sweep failed", err))
		return
	}
	responders.JSON(w, http.StatusOK, res)
}

// purgeRecords reaps expired idempotency records and webhook markers. Daily
// cadence is plenty; the records only cost storage once expired.
func (h *handlers) purgeRecords(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.PurgeRecords(r.Context())
	if err != nil {
		apperrors.WriteError(w, apperrors.Wrap(apperrors.CodeInternal, "record purge failed", err))
		return
	}
	responders.JSON(w, http.StatusOK, res)
}
