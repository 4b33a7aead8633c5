package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryGateway is an in-memory Gateway implementation suitable for tests and
// single-instance development deployments.
type MemoryGateway struct {
	mu              sync.RWMutex
	checkouts       map[string]Checkout
	idempotencyKeys map[string]IdempotencyRecord
	webhookEvents   map[string]WebhookEventRecord
}

// NewMemoryGateway constructs an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		checkouts:       make(map[string]Checkout),
		idempotencyKeys: make(map[string]IdempotencyRecord),
		webhookEvents:   make(map[string]WebhookEventRecord),
	}
}

// CreateCheckout stores a new checkout document.
func (m *MemoryGateway) CreateCheckout(_ context.Context, c Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkouts[c.ID]; exists {
		return ErrConflict
	}
	c.Revision = 1
	m.checkouts[c.ID] = c.Clone()
	return nil
}

// GetCheckout retrieves a checkout by id.
func (m *MemoryGateway) GetCheckout(_ context.Context, id string) (Checkout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.checkouts[id]
	if !ok {
		return Checkout{}, ErrNotFound
	}
	return c.Clone(), nil
}

// MutateCheckout applies fn under optimistic concurrency. The lock is not
// held while fn runs, so fn may perform remote calls without serializing
// unrelated checkouts.
func (m *MemoryGateway) MutateCheckout(ctx context.Context, id string, fn MutateFunc) (Checkout, error) {
	load := func(ctx context.Context) (Checkout, error) {
		return m.GetCheckout(ctx, id)
	}
	commit := func(_ context.Context, next Checkout, expected int64) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		current, ok := m.checkouts[id]
		if !ok {
			return false, ErrNotFound
		}
		if current.Revision != expected {
			return false, nil
		}
		m.checkouts[id] = next.Clone()
		return true, nil
	}
	return mutateWithRetry(ctx, load, commit, fn)
}

// ListExpiredHolds returns checkouts in the given state whose hold deadline
// passed, oldest deadline first.
func (m *MemoryGateway) ListExpiredHolds(_ context.Context, state State, before time.Time, limit int) ([]Checkout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Checkout
	for _, c := range m.checkouts {
		if c.State != state || c.HoldExpiresAt == nil {
			continue
		}
		if c.HoldExpiresAt.Before(before) {
			matches = append(matches, c.Clone())
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].HoldExpiresAt.Before(*matches[j].HoldExpiresAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ClaimIdempotencyKey registers a pending claim unless a live record exists.
func (m *MemoryGateway) ClaimIdempotencyKey(_ context.Context, rec IdempotencyRecord) (IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.idempotencyKeys[rec.ID]
	if ok && time.Now().Before(existing.ExpiresAt) {
		return copyIdempotencyRecord(existing), false, nil
	}
	m.idempotencyKeys[rec.ID] = copyIdempotencyRecord(rec)
	return rec, true, nil
}

// CompleteIdempotencyKey stores the captured response on a claim.
func (m *MemoryGateway) CompleteIdempotencyKey(_ context.Context, id string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idempotencyKeys[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Body = append([]byte(nil), body...)
	m.idempotencyKeys[id] = rec
	return nil
}

// ReleaseIdempotencyKey drops a claim so a later retry re-executes.
func (m *MemoryGateway) ReleaseIdempotencyKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.idempotencyKeys, id)
	return nil
}

// GetIdempotencyRecord retrieves a record by id. Expired records are treated
// as absent.
func (m *MemoryGateway) GetIdempotencyRecord(_ context.Context, id string) (IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.idempotencyKeys[id]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return IdempotencyRecord{}, ErrNotFound
	}
	return copyIdempotencyRecord(rec), nil
}

// PurgeIdempotencyKeys deletes records that expired before olderThan.
func (m *MemoryGateway) PurgeIdempotencyKeys(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := int64(0)
	for id, rec := range m.idempotencyKeys {
		if rec.ExpiresAt.Before(olderThan) {
			delete(m.idempotencyKeys, id)
			count++
		}
	}
	return count, nil
}

// GetWebhookEvent retrieves a processed-event marker. Expired markers are
// treated as absent.
func (m *MemoryGateway) GetWebhookEvent(_ context.Context, eventID string) (WebhookEventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.webhookEvents[eventID]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return WebhookEventRecord{}, ErrNotFound
	}
	return rec, nil
}

// MarkWebhookProcessed records an event as processed. Marking twice keeps the
// original record.
func (m *MemoryGateway) MarkWebhookProcessed(_ context.Context, rec WebhookEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.webhookEvents[rec.ID]; ok && time.Now().Before(existing.ExpiresAt) {
		return nil
	}
	m.webhookEvents[rec.ID] = rec
	return nil
}

// PurgeWebhookEvents deletes markers that expired before olderThan.
func (m *MemoryGateway) PurgeWebhookEvents(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := int64(0)
	for id, rec := range m.webhookEvents {
		if rec.ExpiresAt.Before(olderThan) {
			delete(m.webhookEvents, id)
			count++
		}
	}
	return count, nil
}

// Ping always succeeds for the in-memory backend.
func (m *MemoryGateway) Ping(_ context.Context) error {
	return nil
}

// Close implements the Gateway interface.
func (m *MemoryGateway) Close() error {
	return nil
}

func copyIdempotencyRecord(rec IdempotencyRecord) IdempotencyRecord {
	out := rec
	if rec.Body != nil {
		out.Body = append([]byte(nil), rec.Body...)
	}
	return out
}
