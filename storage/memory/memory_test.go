package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/commercekit/stripe-webhooks/pkg/subscription"
)

func TestStore_GetNotFound(t *testing.T) {
	store := New()

	_, err := store.Get(context.Background(), "sub_missing")
	if err != subscription.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpsertCheckout(t *testing.T) {
	store := New()
	ctx := context.Background()
	offerID := uuid.New()
	shopID := uuid.New()

	rec, err := store.UpsertCheckout(ctx, "sub_1", "u1", offerID, shopID, 1000)
	if err != nil {
		t.Fatalf("UpsertCheckout failed: %v", err)
	}
	if rec.SubscriptionID == uuid.Nil {
		t.Error("Expected generated subscription id")
	}
	if rec.EventTimestamp != 1000 {
		t.Errorf("EventTimestamp = %d, want 1000 on initial creation", rec.EventTimestamp)
	}

	// Second checkout overwrites identity columns but not the watermark.
	otherOffer := uuid.New()
	rec2, err := store.UpsertCheckout(ctx, "sub_1", "u2", otherOffer, shopID, 3000)
	if err != nil {
		t.Fatalf("UpsertCheckout failed: %v", err)
	}
	if rec2.SubscriptionID != rec.SubscriptionID {
		t.Error("Upsert must not create a second row for the same id")
	}
	if *rec2.BuyerUserID != "u2" || *rec2.OfferID != otherOffer {
		t.Error("Identity columns not overwritten")
	}
	if rec2.EventTimestamp != 1000 {
		t.Errorf("EventTimestamp = %d, checkout conflict must not move the watermark", rec2.EventTimestamp)
	}
}

func TestStore_UpsertLifecycle_Watermark(t *testing.T) {
	store := New()
	ctx := context.Background()

	upd := subscription.LifecycleUpdate{
		CurrentPeriodStart: time.Unix(2000, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(5000, 0).UTC(),
		Status:             "active",
		EventTimestamp:     1500,
	}

	rec, applied, err := store.UpsertLifecycle(ctx, "sub_1", upd)
	if err != nil {
		t.Fatalf("UpsertLifecycle failed: %v", err)
	}
	if !applied {
		t.Error("Expected fresh insert to apply")
	}
	if rec.EventTimestamp != 1500 {
		t.Errorf("EventTimestamp = %d, want 1500", rec.EventTimestamp)
	}

	// Equal timestamp is a replay: skip.
	_, applied, err = store.UpsertLifecycle(ctx, "sub_1", upd)
	if err != nil {
		t.Fatalf("UpsertLifecycle failed: %v", err)
	}
	if applied {
		t.Error("Replay with equal timestamp must not apply")
	}

	// Older timestamp: skip.
	stale := upd
	stale.Status = "canceled"
	stale.EventTimestamp = 1400
	rec, applied, err = store.UpsertLifecycle(ctx, "sub_1", stale)
	if err != nil {
		t.Fatalf("UpsertLifecycle failed: %v", err)
	}
	if applied {
		t.Error("Stale event must not apply")
	}
	if *rec.Status != "active" {
		t.Errorf("Status = %q, want unchanged %q", *rec.Status, "active")
	}

	// Newer timestamp: apply, including clearing cancel fields.
	newer := upd
	newer.Status = "canceled"
	canceledAt := time.Unix(1550, 0).UTC()
	newer.CanceledAt = &canceledAt
	newer.EventTimestamp = 1600
	rec, applied, err = store.UpsertLifecycle(ctx, "sub_1", newer)
	if err != nil {
		t.Fatalf("UpsertLifecycle failed: %v", err)
	}
	if !applied {
		t.Error("Newer event must apply")
	}
	if *rec.Status != "canceled" || rec.CanceledAt == nil || !rec.CanceledAt.Equal(canceledAt) {
		t.Errorf("Guarded fields not updated: %+v", rec)
	}
}

func TestStore_UpsertInvoice(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec, err := store.UpsertInvoice(ctx, "sub_1", time.Unix(2000, 0).UTC(), time.Unix(5000, 0).UTC())
	if err != nil {
		t.Fatalf("UpsertInvoice failed: %v", err)
	}
	if rec.PayedAt.Unix() != 2000 || rec.PayedUntil.Unix() != 5000 {
		t.Errorf("Payment window not written: %+v", rec)
	}
	if rec.EventTimestamp != 0 {
		t.Errorf("EventTimestamp = %d, invoice path must not touch the watermark", rec.EventTimestamp)
	}
}

func TestStore_PatchBuyer(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.PatchBuyer(ctx, "sub_missing", "u1"); err != subscription.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if _, err := store.UpsertInvoice(ctx, "sub_1", time.Unix(1, 0), time.Unix(2, 0)); err != nil {
		t.Fatalf("UpsertInvoice failed: %v", err)
	}

	rec, err := store.PatchBuyer(ctx, "sub_1", "u1")
	if err != nil {
		t.Fatalf("PatchBuyer failed: %v", err)
	}
	if rec.BuyerUserID == nil || *rec.BuyerUserID != "u1" {
		t.Errorf("Buyer not patched: %+v", rec)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec, err := store.UpsertInvoice(ctx, "sub_1", time.Unix(1, 0), time.Unix(2, 0))
	if err != nil {
		t.Fatalf("UpsertInvoice failed: %v", err)
	}

	// Mutating the returned record must not affect stored state.
	buyer := "tampered"
	rec.BuyerUserID = &buyer

	stored, err := store.Get(ctx, "sub_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.BuyerUserID != nil {
		t.Error("Store leaked internal record reference")
	}
}
