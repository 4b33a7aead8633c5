package idempotency

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/logger"
	"github.com/CoveStays/checkout/internal/store"
)

const (
	// HeaderKey is the standard idempotency key header
	HeaderKey = "Idempotency-Key"

	// DefaultTTL is the default retention for captured responses (24 hours)
	DefaultTTL = 24 * time.Hour

	// replayWait bounds how long a duplicate request waits for the original
	// to finish before falling through to its own execution. The state
	// machine's transition contract keeps that fallback harmless.
	replayWait = 2 * time.Second

	// replayPollInterval is how often a waiting duplicate re-checks the claim.
	replayPollInterval = 100 * time.Millisecond
)

// Recorder is the slice of the storage gateway the middleware needs.
type Recorder interface {
	ClaimIdempotencyKey(ctx context.Context, rec store.IdempotencyRecord) (store.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, id string, status int, body []byte) error
	ReleaseIdempotencyKey(ctx context.Context, id string) error
	GetIdempotencyRecord(ctx context.Context, id string) (store.IdempotencyRecord, error)
}

// responseWriter wraps http.ResponseWriter to capture the status and body
// for later replay.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Required returns middleware that rejects requests without an
// Idempotency-Key header. Use it on endpoints with external side effects.
func Required(rec Recorder, ttl time.Duration) func(http.Handler) http.Handler {
	return middleware(rec, ttl, true)
}

// Optional returns middleware that captures keyed requests but lets unkeyed
// ones pass through normally.
func Optional(rec Recorder, ttl time.Duration) func(http.Handler) http.Handler {
	return middleware(rec, ttl, false)
}

func middleware(rec Recorder, ttl time.Duration, required bool) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				if required {
					apperrors.WriteCode(w, apperrors.CodeIdempotencyKeyRequired,
						"Idempotency-Key header is required", nil)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// Scope the key by method and path to prevent cross-endpoint collisions
			key := r.Method + ":" + r.URL.Path + ":" + rawKey

			claimed, proceed := acquire(w, r, rec, key, ttl)
			if !proceed {
				return
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			if !claimed {
				return
			}

			log := logger.FromContext(r.Context())
			if rw.statusCode >= 200 && rw.statusCode < 300 {
				if err := rec.CompleteIdempotencyKey(r.Context(), key, rw.statusCode, rw.body.Bytes()); err != nil {
					// The response already went out; a lost capture only
					// costs a re-execution on retry.
					log.Warn().Err(err).Str("key", rawKey).Msg("idempotency.capture_failed")
				}
				return
			}

			// Non-2xx responses are not replayed: drop the claim so the
			// client can retry with the same key.
			if err := rec.ReleaseIdempotencyKey(r.Context(), key); err != nil {
				log.Warn().Err(err).Str("key", rawKey).Msg("idempotency.release_failed")
			}
		})
	}
}

// acquire resolves who owns the key. It returns proceed=false when it already
// wrote a response (a replay). claimed=true means this request owns the claim
// and must complete or release it after executing.
func acquire(w http.ResponseWriter, r *http.Request, rec Recorder, key string, ttl time.Duration) (claimed, proceed bool) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	deadline := time.Now().Add(replayWait)

	for {
		now := time.Now()
		claim := store.IdempotencyRecord{
			ID:        key,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}

		existing, ok, err := rec.ClaimIdempotencyKey(ctx, claim)
		if err != nil {
			// Fail open: losing the replay guard beats refusing the request.
			log.Warn().Err(err).Msg("idempotency.claim_failed")
			return false, true
		}
		if ok {
			return true, true
		}
		if !existing.InFlight() {
			writeReplay(w, existing)
			return false, false
		}

		// The original request is still executing. Wait briefly for its
		// captured response instead of racing it.
		replayed, done := waitForCapture(ctx, w, rec, key, deadline)
		if replayed {
			return false, false
		}
		if done {
			// Poll window elapsed with the claim still pending. Execute
			// without capturing rather than stall the client further.
			log.Warn().Str("key", key).Msg("idempotency.inflight_timeout")
			return false, true
		}
		// The claim vanished: the original failed and released. Loop to
		// contend for a fresh claim.
		if time.Now().After(deadline) {
			return false, true
		}
	}
}

// waitForCapture polls for the claim to finish. It reports replayed=true when
// it wrote the captured response, done=true when the deadline passed with the
// claim still in flight. Both false means the claim disappeared.
func waitForCapture(ctx context.Context, w http.ResponseWriter, rec Recorder, key string, deadline time.Time) (replayed, done bool) {
	ticker := time.NewTicker(replayPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, true
		case <-ticker.C:
			existing, err := rec.GetIdempotencyRecord(ctx, key)
			if errors.Is(err, store.ErrNotFound) {
				return false, false
			}
			if err == nil && !existing.InFlight() {
				writeReplay(w, existing)
				return true, false
			}
			if time.Now().After(deadline) {
				return false, true
			}
		}
	}
}

func writeReplay(w http.ResponseWriter, rec store.IdempotencyRecord) {
	if len(rec.Body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("X-Idempotency-Replay", "true")
	w.WriteHeader(rec.Status)
	w.Write(rec.Body)
}
