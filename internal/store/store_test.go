package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestCheckout(id string) Checkout {
	now := time.Now().UTC()
	return Checkout{
		ID:        id,
		State:     StateInitiated,
		ListingID: "L1",
		CheckIn:   "2026-09-10",
		CheckOut:  "2026-09-13",
		Guests:    Guests{Adults: 2, Children: 1},
		Quote: &Quote{
			Total:    120000,
			Currency: "usd",
			Breakdown: QuoteBreakdown{
				Subtotal:    100000,
				CleaningFee: 8000,
				ServiceFee:  7000,
				Taxes:       5000,
			},
			Hash:      "abc123",
			ExpiresAt: now.Add(30 * time.Minute),
		},
		StateHistory: []Transition{
			{From: StateInitiated, To: StateInitiated, Timestamp: now, Reason: "initialized", Actor: ActorUser},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateCheckoutDuplicate(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	if err := gw.CreateCheckout(ctx, newTestCheckout("c1")); err != nil {
		t.Fatalf("CreateCheckout() error: %v", err)
	}
	if err := gw.CreateCheckout(ctx, newTestCheckout("c1")); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateCheckout() = %v, want ErrConflict", err)
	}
}

func TestGetCheckoutNotFound(t *testing.T) {
	gw := NewMemoryGateway()

	_, err := gw.GetCheckout(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCheckout(missing) = %v, want ErrNotFound", err)
	}
}

func TestMutateCheckoutCommits(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	if err := gw.CreateCheckout(ctx, newTestCheckout("c1")); err != nil {
		t.Fatalf("CreateCheckout() error: %v", err)
	}
	before, _ := gw.GetCheckout(ctx, "c1")

	updated, err := gw.MutateCheckout(ctx, "c1", func(c *Checkout) error {
		c.PMSReservationID = "R1"
		return nil
	})
	if err != nil {
		t.Fatalf("MutateCheckout() error: %v", err)
	}
	if updated.PMSReservationID != "R1" {
		t.Errorf("returned doc missing edit: %+v", updated)
	}
	if updated.Revision != before.Revision+1 {
		t.Errorf("revision = %d, want %d", updated.Revision, before.Revision+1)
	}

	stored, _ := gw.GetCheckout(ctx, "c1")
	if stored.PMSReservationID != "R1" {
		t.Error("edit not persisted")
	}
	if stored.UpdatedAt.Before(before.UpdatedAt) {
		t.Error("UpdatedAt should advance on commit")
	}
}

func TestMutateCheckoutNoChange(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	if err := gw.CreateCheckout(ctx, newTestCheckout("c1")); err != nil {
		t.Fatalf("CreateCheckout() error: %v", err)
	}
	before, _ := gw.GetCheckout(ctx, "c1")

	got, err := gw.MutateCheckout(ctx, "c1", func(c *Checkout) error {
		c.PMSReservationID = "should-be-discarded"
		return ErrNoChange
	})
	if err != nil {
		t.Fatalf("MutateCheckout() error: %v", err)
	}
	if got.PMSReservationID != "" {
		t.Error("ErrNoChange must return the document as read")
	}

	stored, _ := gw.GetCheckout(ctx, "c1")
	if stored.Revision != before.Revision {
		t.Errorf("revision = %d, want unchanged %d", stored.Revision, before.Revision)
	}
	if !stored.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("UpdatedAt must not advance on a no-change mutate")
	}
}

func TestMutateCheckoutAbortDiscardsEdits(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	if err := gw.CreateCheckout(ctx, newTestCheckout("c1")); err != nil {
		t.Fatalf("CreateCheckout() error: %v", err)
	}

	boom := fmt.Errorf("boom")
	_, err := gw.MutateCheckout(ctx, "c1", func(c *Checkout) error {
		c.State = StateFailed
		c.StateHistory = append(c.StateHistory, Transition{From: StateInitiated, To: StateFailed})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("MutateCheckout() = %v, want wrapped boom", err)
	}

	stored, _ := gw.GetCheckout(ctx, "c1")
	if stored.State != StateInitiated {
		t.Errorf("aborted mutate leaked state %s", stored.State)
	}
	if len(stored.StateHistory) != 1 {
		t.Errorf("aborted mutate leaked history: %d entries", len(stored.StateHistory))
	}
}

func TestMutateCheckoutRetriesLostRace(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	if err := gw.CreateCheckout(ctx, newTestCheckout("c1")); err != nil {
		t.Fatalf("CreateCheckout() error: %v", err)
	}

	// The first attempt loses to a competing write fired from inside fn;
	// the retry must see the competitor's edit on a fresh snapshot.
	calls := 0
	updated, err := gw.MutateCheckout(ctx, "c1", func(c *Checkout) error {
		calls++
		if calls == 1 {
			if _, err := gw.MutateCheckout(ctx, "c1", func(c *Checkout) error {
				c.RetryCount++
				return nil
			}); err != nil {
				t.Fatalf("competing MutateCheckout() error: %v", err)
			}
		}
		c.PMSReservationID = "R1"
		return nil
	})
	if err != nil {
		t.Fatalf("MutateCheckout() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2 (initial + one retry)", calls)
	}
	if updated.PMSReservationID != "R1" || updated.RetryCount != 1 {
		t.Errorf("final doc lost an edit: %+v", updated)
	}
}

func TestListExpiredHolds(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(id string, state State, expiresAt time.Time) {
		c := newTestCheckout(id)
		c.State = state
		c.HoldExpiresAt = &expiresAt
		if err := gw.CreateCheckout(ctx, c); err != nil {
			t.Fatalf("CreateCheckout(%s) error: %v", id, err)
		}
	}

	add("late", StateHoldCreated, now.Add(-1*time.Minute))
	add("later", StateHoldCreated, now.Add(-10*time.Minute))
	add("latest", StateHoldCreated, now.Add(-30*time.Minute))
	add("fresh", StateHoldCreated, now.Add(10*time.Minute))
	add("wrong-state", StatePaid, now.Add(-10*time.Minute))

	// No hold deadline at all
	noHold := newTestCheckout("no-hold")
	noHold.State = StateHoldCreated
	if err := gw.CreateCheckout(ctx, noHold); err != nil {
		t.Fatalf("CreateCheckout(no-hold) error: %v", err)
	}

	got, err := gw.ListExpiredHolds(ctx, StateHoldCreated, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredHolds() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d checkouts, want 3", len(got))
	}
	// Oldest deadline first
	wantOrder := []string{"latest", "later", "late"}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}

	limited, err := gw.ListExpiredHolds(ctx, StateHoldCreated, now, 2)
	if err != nil {
		t.Fatalf("ListExpiredHolds() error: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored: got %d checkouts", len(limited))
	}
}

func TestClaimIdempotencyKey(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := IdempotencyRecord{
		ID:        "POST:/checkout/c1/hold:K1",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}

	_, claimed, err := gw.ClaimIdempotencyKey(ctx, rec)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v, want true nil", claimed, err)
	}

	existing, claimed, err := gw.ClaimIdempotencyKey(ctx, rec)
	if err != nil {
		t.Fatalf("second claim error: %v", err)
	}
	if claimed {
		t.Error("second claim must not succeed while the first is live")
	}
	if !existing.InFlight() {
		t.Error("existing claim should still be in flight")
	}

	// Expired records do not block a new claim.
	old := IdempotencyRecord{
		ID:        "POST:/checkout/c2/hold:K9",
		CreatedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-24 * time.Hour),
	}
	if _, claimed, _ = gw.ClaimIdempotencyKey(ctx, old); !claimed {
		t.Fatal("seeding expired record failed")
	}
	fresh := old
	fresh.CreatedAt = now
	fresh.ExpiresAt = now.Add(24 * time.Hour)
	if _, claimed, err = gw.ClaimIdempotencyKey(ctx, fresh); err != nil || !claimed {
		t.Errorf("reclaim over expired record: claimed=%v err=%v, want true nil", claimed, err)
	}
}

func TestIdempotencyRecordLifecycle(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := IdempotencyRecord{ID: "POST:/checkout/c1/hold:K1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if _, claimed, _ := gw.ClaimIdempotencyKey(ctx, rec); !claimed {
		t.Fatal("claim failed")
	}

	if err := gw.CompleteIdempotencyKey(ctx, rec.ID, 201, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("CompleteIdempotencyKey() error: %v", err)
	}

	got, err := gw.GetIdempotencyRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord() error: %v", err)
	}
	if got.Status != 201 || string(got.Body) != `{"ok":true}` {
		t.Errorf("record = %+v", got)
	}
	if got.InFlight() {
		t.Error("completed record should not be in flight")
	}

	if err := gw.ReleaseIdempotencyKey(ctx, rec.ID); err != nil {
		t.Fatalf("ReleaseIdempotencyKey() error: %v", err)
	}
	if _, err := gw.GetIdempotencyRecord(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("released record Get = %v, want ErrNotFound", err)
	}

	if err := gw.CompleteIdempotencyKey(ctx, "never-claimed", 200, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete on missing claim = %v, want ErrNotFound", err)
	}
}

func TestWebhookEventDedup(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := gw.GetWebhookEvent(ctx, "evt_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown event Get = %v, want ErrNotFound", err)
	}

	rec := WebhookEventRecord{
		ID:          "evt_1",
		EventType:   "payment_intent.succeeded",
		ProcessedAt: now,
		ExpiresAt:   now.Add(7 * 24 * time.Hour),
	}
	if err := gw.MarkWebhookProcessed(ctx, rec); err != nil {
		t.Fatalf("MarkWebhookProcessed() error: %v", err)
	}

	got, err := gw.GetWebhookEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetWebhookEvent() error: %v", err)
	}
	if got.EventType != "payment_intent.succeeded" {
		t.Errorf("eventType = %s", got.EventType)
	}

	// Marking again keeps the original timestamp.
	later := rec
	later.ProcessedAt = now.Add(time.Hour)
	if err := gw.MarkWebhookProcessed(ctx, later); err != nil {
		t.Fatalf("second MarkWebhookProcessed() error: %v", err)
	}
	got, _ = gw.GetWebhookEvent(ctx, "evt_1")
	if !got.ProcessedAt.Equal(now) {
		t.Error("re-marking must not overwrite the original record")
	}
}

func TestPurgeExpiredRecords(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	now := time.Now().UTC()

	live := IdempotencyRecord{ID: "live", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	dead := IdempotencyRecord{ID: "dead", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	gw.ClaimIdempotencyKey(ctx, live)
	gw.ClaimIdempotencyKey(ctx, dead)

	n, err := gw.PurgeIdempotencyKeys(ctx, now)
	if err != nil {
		t.Fatalf("PurgeIdempotencyKeys() error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d records, want 1", n)
	}
	if _, err := gw.GetIdempotencyRecord(ctx, "live"); err != nil {
		t.Error("live record should survive purge")
	}

	gw.MarkWebhookProcessed(ctx, WebhookEventRecord{
		ID: "evt_old", EventType: "payment_intent.succeeded",
		ProcessedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	})
	gw.MarkWebhookProcessed(ctx, WebhookEventRecord{
		ID: "evt_new", EventType: "payment_intent.succeeded",
		ProcessedAt: now, ExpiresAt: now.Add(7 * 24 * time.Hour),
	})

	n, err = gw.PurgeWebhookEvents(ctx, now)
	if err != nil {
		t.Fatalf("PurgeWebhookEvents() error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d events, want 1", n)
	}
}
