package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/CoveStays/checkout/internal/store"
)

// EventLog is the slice of the storage gateway the deduper needs.
type EventLog interface {
	GetWebhookEvent(ctx context.Context, eventID string) (store.WebhookEventRecord, error)
	MarkWebhookProcessed(ctx context.Context, rec store.WebhookEventRecord) error
}

// Deduper guards webhook processing against provider redelivery. An event id
// is only marked after its handler fully succeeded, so a crash mid-handler
// leaves the event unmarked and the next delivery retries it.
type Deduper struct {
	events EventLog
	ttl    time.Duration
}

// NewDeduper creates a Deduper whose markers expire after ttl.
func NewDeduper(events EventLog, ttl time.Duration) *Deduper {
	return &Deduper{events: events, ttl: ttl}
}

// Processed reports whether the event was already fully handled. Errors
// propagate so the caller can fail the delivery and let the provider retry.
func (d *Deduper) Processed(ctx context.Context, eventID string) (bool, error) {
	_, err := d.events.GetWebhookEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records the event as handled. Call it only after every side
// effect of the handler succeeded.
func (d *Deduper) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	now := time.Now().UTC()
	return d.events.MarkWebhookProcessed(ctx, store.WebhookEventRecord{
		ID:          eventID,
		EventType:   eventType,
		ProcessedAt: now,
		ExpiresAt:   now.Add(d.ttl),
	})
}
